package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart Stage = "JOB_START"
	StageJobHB    Stage = "JOB_HEARTBEAT"
	StageCellDone Stage = "CELL_DONE"
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
)

// Event captures a single milestone of campaign progress.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or cell milestone occurred.
	Stage Stage
	// CellID scopes cell events to a grid cell.
	CellID string
	// Records carries newly written records for the cell or heartbeat.
	Records int64
	// Duplicates counts candidates skipped as already written.
	Duplicates int64
	// Dur captures execution latency for cell and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobHB, StageJobDone, StageJobError:
	case StageCellDone:
		if e.CellID == "" {
			return errors.New("cell done requires cell id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Duplicates < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}
