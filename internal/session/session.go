// Package session drives a single campaign across its grid cells.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/geo"
	"github.com/ategon/placecrawler/internal/policy"
	"github.com/ategon/placecrawler/internal/progress"
	"github.com/ategon/placecrawler/internal/scraper"
)

// Deps carries the collaborators a Session consumes. Driver, Store, Sink
// and Clock are required; Emitter, OnProgress and Logger may be nil.
type Deps struct {
	Driver scraper.PageDriver
	Store  scraper.ProgressStore
	Sink   scraper.ResultSink
	Clock  scraper.Clock
	Logger *zap.Logger

	// Emitter receives lifecycle and cell events.
	Emitter progress.Emitter
	// OnProgress is invoked after every accepted record with a fresh
	// snapshot. Callers throttle; the session does not.
	OnProgress func(scraper.Snapshot)
}

// Session runs one campaign to completion or target. Cell processing is
// sequential: the automation surface is one controllable page, so
// concurrency lives across jobs, never within one.
type Session struct {
	jobID string
	cfg   scraper.CampaignConfig
	cells []scraper.Cell
	alloc *policy.Allocator
	deps  Deps

	logger *zap.Logger
}

// New validates the campaign config, partitions its bounds, and builds the
// quota allocator. A validation failure here is a configuration error and
// surfaces before any driver or storage work.
func New(jobID string, cfg scraper.CampaignConfig, deps Deps) (*Session, error) {
	grid, err := geo.New(cfg.Bounds, cfg.GridSize, cfg.Zoom)
	if err != nil {
		return nil, err
	}
	cells := grid.Cells()
	alloc, err := policy.New(cfg.Policy, cfg.GlobalTarget, len(cells), cfg.PerCellCap)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("job_id", jobID), zap.String("search_term", cfg.SearchTerm))
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if grid.LargeArea() {
		logger.Warn("search area is very large, this may take a long time",
			zap.Float64("area_km2", grid.AreaKm2()))
	}
	return &Session{
		jobID:  jobID,
		cfg:    cfg,
		cells:  cells,
		alloc:  alloc,
		deps:   deps,
		logger: logger,
	}, nil
}

// CellsTotal returns the number of grid cells in the campaign.
func (s *Session) CellsTotal() int {
	return len(s.cells)
}

// Run executes the campaign. It returns ctx.Err() when cancelled at a cell
// boundary, a PersistenceError when durable state cannot be written, and
// nil when the target is reached or all cells are exhausted. Driver
// failures never abort the run.
func (s *Session) Run(ctx context.Context) error {
	start := s.deps.Clock.Now()
	if err := s.deps.Store.LoadOrInit(s.cfg); err != nil {
		return err
	}
	authoritative, err := s.deps.Sink.Count(ctx)
	if err != nil {
		return err
	}
	if err := s.deps.Store.Reconcile(authoritative); err != nil {
		return err
	}

	s.emit(progress.Event{Stage: progress.StageJobStart})
	s.logger.Info("campaign started",
		zap.Int("target", s.cfg.GlobalTarget),
		zap.Int("cells", len(s.cells)),
		zap.String("policy", string(s.cfg.Policy)),
		zap.Int("already_collected", s.deps.Store.ResultsCount()),
	)

	if err := s.processCells(ctx); err != nil {
		if ctx.Err() == nil {
			s.emit(progress.Event{
				Stage: progress.StageJobError,
				Dur:   s.deps.Clock.Now().Sub(start),
				Note:  err.Error(),
			})
		}
		return err
	}

	if removed, err := s.deps.Sink.Compact(ctx); err != nil {
		s.logger.Warn("post-pass compaction failed", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("compaction removed late duplicates", zap.Int("removed", removed))
	}

	s.emit(progress.Event{
		Stage:   progress.StageJobDone,
		Records: int64(s.deps.Store.ResultsCount()),
		Dur:     s.deps.Clock.Now().Sub(start),
	})
	s.logger.Info("campaign finished",
		zap.Int("results", s.deps.Store.ResultsCount()),
		zap.Int("cells_completed", len(s.deps.Store.CompletedCells())),
	)
	return nil
}

func (s *Session) processCells(ctx context.Context) error {
	for _, cell := range s.cells {
		// Cancellation is cooperative and checked at cell boundaries only;
		// an in-flight extraction finishes.
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.alloc.Done(s.deps.Store.ResultsCount()) {
			s.logger.Info("global target reached, stopping cell issue")
			return nil
		}
		if s.deps.Store.IsCellCompleted(cell.ID) {
			s.logger.Debug("skipping completed cell", zap.String("cell_id", cell.ID))
			continue
		}
		target := s.alloc.Target(s.deps.Store.ResultsCount())
		if target <= 0 {
			s.logger.Debug("cell quota already satisfied, skipping",
				zap.String("cell_id", cell.ID))
			continue
		}
		if err := s.processCell(ctx, cell, target); err != nil {
			return err
		}
	}
	return nil
}

// processCell runs one cell to its target or exhaustion and marks it
// completed: a cell with zero discoverable matches is still done and must
// not be retried on resume. Persistence failures and cancellation are
// returned without completing the cell, so a resume revisits it.
func (s *Session) processCell(ctx context.Context, cell scraper.Cell, target int) error {
	start := s.deps.Clock.Now()
	logger := s.logger.With(zap.String("cell_id", cell.ID))
	logger.Info("processing cell", zap.Int("target", target))

	written, duplicates, err := s.collectFromCell(ctx, cell, target, logger)
	if err != nil {
		return err
	}
	if written > 0 {
		if err := s.deps.Store.RecordCellResults(cell.ID, written); err != nil {
			return err
		}
	}
	if err := s.deps.Store.MarkCellCompleted(cell.ID); err != nil {
		return err
	}

	s.emit(progress.Event{
		Stage:      progress.StageCellDone,
		CellID:     cell.ID,
		Records:    int64(written),
		Duplicates: int64(duplicates),
		Dur:        s.deps.Clock.Now().Sub(start),
	})
	logger.Info("cell completed", zap.Int("written", written), zap.Int("duplicates", duplicates))
	return nil
}

// collectFromCell performs the driver interaction for one cell. Every
// driver failure degrades to "this cell yielded nothing further", unless
// the context was cancelled: a driver call failing because the campaign
// was cancelled must not count as exhaustion, or the cell would be marked
// completed and a resume would skip its remaining listings.
func (s *Session) collectFromCell(
	ctx context.Context,
	cell scraper.Cell,
	target int,
	logger *zap.Logger,
) (written, duplicates int, err error) {
	if err := s.deps.Driver.NavigateToCell(ctx, cell); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, cerr
		}
		logger.Warn("cell navigation failed, treating cell as exhausted", zap.Error(err))
		return 0, 0, nil
	}
	if err := s.deps.Driver.Search(ctx, s.cfg.SearchTerm); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, cerr
		}
		logger.Warn("search failed, treating cell as exhausted", zap.Error(err))
		return 0, 0, nil
	}
	if err := s.deps.Driver.WaitForResults(ctx); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, cerr
		}
		logger.Warn("no search results in cell", zap.Error(err))
		return 0, 0, nil
	}
	if _, err := s.deps.Driver.ScrollForCandidates(ctx, target); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, cerr
		}
		logger.Warn("scrolling failed, collecting whatever is loaded", zap.Error(err))
	}

	// Filter against seen keys before any extraction work is spent.
	candidates, err := s.deps.Driver.CollectCandidateKeys(ctx, s.deps.Store.SeenKeySet())
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, cerr
		}
		logger.Warn("candidate collection failed, treating cell as exhausted", zap.Error(err))
		return 0, 0, nil
	}
	logger.Debug("collected candidates", zap.Int("count", len(candidates)))

	for _, cand := range candidates {
		if written >= target {
			break
		}
		newlyWritten, dup, err := s.processCandidate(ctx, cell, cand, logger)
		if err != nil {
			return written, duplicates, err
		}
		if newlyWritten {
			written++
		}
		if dup {
			duplicates++
		}
	}
	return written, duplicates, nil
}

func (s *Session) processCandidate(
	ctx context.Context,
	cell scraper.Cell,
	cand scraper.Candidate,
	logger *zap.Logger,
) (written, duplicate bool, err error) {
	// The key is burned whether or not extraction succeeds; the
	// partial-failure policy never retries a candidate.
	if err := s.deps.Store.AddSeenKeys(cand.Key); err != nil {
		return false, false, err
	}

	rec, err := s.deps.Driver.Extract(ctx, cand)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return false, false, cerr
		}
		logger.Warn("extraction failed, skipping candidate",
			zap.String("key", cand.Key), zap.Error(err))
		return false, false, nil
	}
	if rec.Name == "" {
		logger.Debug("extracted record has no name, skipping", zap.String("key", cand.Key))
		return false, false, nil
	}
	rec.CellID = cell.ID

	ok, err := s.deps.Sink.Append(ctx, rec)
	if err != nil {
		return false, false, err
	}
	if !ok {
		logger.Debug("duplicate record skipped", zap.String("key", cand.Key))
		return false, true, nil
	}

	count, err := s.deps.Store.IncrementResultsCount(1)
	if err != nil {
		return true, false, err
	}
	logger.Info("record written",
		zap.String("name", rec.Name),
		zap.Int("progress", count),
		zap.Int("target", s.cfg.GlobalTarget),
	)
	s.notifyProgress()
	s.emit(progress.Event{Stage: progress.StageJobHB, Records: 1})
	return true, false, nil
}

func (s *Session) notifyProgress() {
	if s.deps.OnProgress == nil {
		return
	}
	s.deps.OnProgress(s.deps.Store.Snapshot(len(s.cells)))
}

func (s *Session) emit(evt progress.Event) {
	evt.JobID = s.jobID
	evt.TS = s.deps.Clock.Now()
	s.deps.Emitter.Emit(evt)
}

// Describe summarizes the campaign for logs.
func (s *Session) Describe() string {
	return fmt.Sprintf("%q over %dx%d grid, target %d (%s)",
		s.cfg.SearchTerm, s.cfg.GridSize, s.cfg.GridSize, s.cfg.GlobalTarget, s.cfg.Policy)
}
