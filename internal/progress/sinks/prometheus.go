package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ategon/placecrawler/internal/progress"
)

// PrometheusSink exports campaign progress metrics. It owns all collectors
// for jobs started/completed/running and per-cell record counters.
type PrometheusSink struct {
	jobsStarted    prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	recordsWritten prometheus.Counter
	duplicates     prometheus.Counter
	cellsCompleted prometheus.Counter
	cellDuration   prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
// A nil registry selects the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placecrawler_jobs_started_total",
			Help: "Total campaign jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "placecrawler_jobs_completed_total",
			Help: "Total campaign jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "placecrawler_jobs_running",
			Help: "Current number of running campaign jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "placecrawler_job_runtime_seconds",
			Help:    "Wall time per completed campaign job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placecrawler_records_written_total",
			Help: "Records newly written across all campaigns.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placecrawler_duplicates_skipped_total",
			Help: "Candidates skipped because their dedup key was already written.",
		}),
		cellsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placecrawler_cells_completed_total",
			Help: "Grid cells fully processed across all campaigns.",
		}),
		cellDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "placecrawler_cell_duration_seconds",
			Help:    "Wall time per completed grid cell.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.recordsWritten,
		s.duplicates,
		s.cellsCompleted,
		s.cellDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.completeJob(evt, "success")
	case progress.StageJobError:
		s.completeJob(evt, "error")
	case progress.StageCellDone:
		s.cellsCompleted.Inc()
		s.addCounts(evt)
		if evt.Dur > 0 {
			s.cellDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageJobHB:
		s.addCounts(evt)
	}
}

func (s *PrometheusSink) addCounts(evt progress.Event) {
	if evt.Records > 0 {
		s.recordsWritten.Add(float64(evt.Records))
	}
	if evt.Duplicates > 0 {
		s.duplicates.Add(float64(evt.Duplicates))
	}
}

func (s *PrometheusSink) completeJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
