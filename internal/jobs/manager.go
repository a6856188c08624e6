// Package jobs orchestrates campaign execution: a bounded queue, a worker
// pool, and a registry of job metadata with live progress streaming.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/policy"
	"github.com/ategon/placecrawler/internal/progress"
	"github.com/ategon/placecrawler/internal/queue/memory"
	"github.com/ategon/placecrawler/internal/scraper"
	"github.com/ategon/placecrawler/internal/session"
	"github.com/ategon/placecrawler/internal/sink"
)

// Errors surfaced to API handlers.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueFull      = errors.New("job queue full")
	ErrNotCancelable  = errors.New("job already finished")
	ErrCampaignActive = errors.New("campaign already has a live job")
)

// Runner is the unit of campaign execution a worker drives. Satisfied by
// *session.Session; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context) error
	CellsTotal() int
}

// SessionFactory builds a Runner for one job.
type SessionFactory func(jobID string, cfg scraper.CampaignConfig, deps session.Deps) (Runner, error)

// DriverFactory opens a fresh page driver for one job. Each job owns its
// driver exclusively; the worker closes it when the job finishes.
type DriverFactory func(ctx context.Context) (scraper.PageDriver, error)

// Config tunes the manager.
type Config struct {
	Workers          int
	QueueDepth       int
	MaxTarget        int
	DataDir          string
	ProgressInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Deps carries the manager's collaborators.
type Deps struct {
	Clock     scraper.Clock
	IDs       scraper.IDGenerator
	Hasher    scraper.Hasher
	Logger    *zap.Logger
	Emitter   progress.Emitter
	NewDriver DriverFactory

	// NewSession overrides session construction; nil uses session.New.
	NewSession SessionFactory
}

// Update is one streamed job observation. Terminal states carry the final
// snapshot and, for failures, the error text.
type Update struct {
	State    scraper.JobState `json:"state"`
	Progress scraper.Snapshot `json:"progress"`
	Error    string           `json:"error,omitempty"`
}

// record is the mutable tracking entry for one job. All fields are guarded
// by the manager mutex except lastNotify, which only the owning worker
// touches.
type record struct {
	job         scraper.Job
	campaignKey string
	cancel      context.CancelFunc
	watchers    map[chan Update]struct{}
	results     *sink.Store
	lastNotify  time.Time
}

// Manager owns the queue, the workers, and the job table.
type Manager struct {
	cfg   Config
	deps  Deps
	queue *memory.Queue

	mu     sync.Mutex
	jobs   map[string]*record
	active map[string]string // campaign key -> job id of its live job

	wg      sync.WaitGroup
	started bool
}

// New constructs a Manager. The data directory is created eagerly so that
// submission-time persistence failures cannot hide until a worker runs.
func New(cfg Config, deps Deps) (*Manager, error) {
	cfg.applyDefaults()
	if deps.Clock == nil || deps.IDs == nil || deps.Hasher == nil || deps.NewDriver == nil {
		return nil, errors.New("jobs: clock, id generator, hasher and driver factory are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.NewSession == nil {
		deps.NewSession = func(jobID string, cfg scraper.CampaignConfig, sd session.Deps) (Runner, error) {
			return session.New(jobID, cfg, sd)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		queue:  memory.NewQueue(cfg.QueueDepth),
		jobs:   make(map[string]*record),
		active: make(map[string]string),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func(id int) {
			defer m.wg.Done()
			m.workerLoop(ctx, id)
		}(i)
	}
	m.deps.Logger.Info("job manager started",
		zap.Int("workers", m.cfg.Workers),
		zap.Int("queue_depth", m.cfg.QueueDepth),
	)
}

// Wait blocks until all workers have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit validates the campaign, registers a pending job and enqueues it.
// A full queue rejects immediately rather than blocking the caller.
func (m *Manager) Submit(cfg scraper.CampaignConfig) (string, error) {
	if cfg.PerCellCap == 0 {
		cfg.PerCellCap = policy.DefaultPerCellCap
	}
	if err := cfg.Validate(m.cfg.MaxTarget); err != nil {
		return "", err
	}
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	key, err := m.campaignKey(cfg)
	if err != nil {
		return "", fmt.Errorf("derive campaign key: %w", err)
	}
	now := m.deps.Clock.Now()

	m.mu.Lock()
	// Jobs for the same campaign identity share on-disk state, so only
	// one may be live at a time.
	if liveID, busy := m.active[key]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (job %s)", ErrCampaignActive, liveID)
	}
	m.active[key] = id
	m.jobs[id] = &record{
		job: scraper.Job{
			ID:        id,
			State:     scraper.JobPending,
			Config:    cfg,
			Submitted: now,
		},
		campaignKey: key,
		watchers:    make(map[chan Update]struct{}),
	}
	m.mu.Unlock()

	if err := m.queue.TryEnqueue(scraper.QueueItem{
		JobID:     id,
		Config:    cfg,
		Submitted: now.UnixNano(),
	}); err != nil {
		m.mu.Lock()
		delete(m.jobs, id)
		delete(m.active, key)
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	m.deps.Logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("search_term", cfg.SearchTerm),
		zap.Int("target", cfg.GlobalTarget),
	)
	return id, nil
}

// Status returns a copy of the job's current metadata.
func (m *Manager) Status(jobID string) (scraper.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return scraper.Job{}, ErrJobNotFound
	}
	return rec.job, nil
}

// List returns all tracked jobs, newest submission first.
func (m *Manager) List() []scraper.Job {
	m.mu.Lock()
	out := make([]scraper.Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec.job)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out
}

// Cancel requests termination. A pending job is cancelled in place; a
// running job gets its context cancelled and stops at the next cell
// boundary. Terminal jobs return ErrNotCancelable.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	switch rec.job.State {
	case scraper.JobPending:
		// The queued item is skipped when a worker eventually picks it up.
		m.finalizeLocked(rec, scraper.JobCancelled, "")
		m.mu.Unlock()
		m.deps.Logger.Info("pending job cancelled", zap.String("job_id", jobID))
		return nil
	case scraper.JobRunning:
		cancel := rec.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.deps.Logger.Info("cancellation requested", zap.String("job_id", jobID))
		return nil
	default:
		m.mu.Unlock()
		return ErrNotCancelable
	}
}

// Stream returns a channel of job updates. The current state is delivered
// immediately; the channel closes once the job reaches a terminal state.
// Slow consumers miss intermediate snapshots, never the terminal one.
func (m *Manager) Stream(jobID string) (<-chan Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	ch := make(chan Update, 16)
	ch <- updateFor(rec.job)
	if rec.job.State.Terminal() {
		close(ch)
		return ch, nil
	}
	rec.watchers[ch] = struct{}{}
	return ch, nil
}

// Results returns the deduplicated records collected by a job so far.
func (m *Manager) Results(ctx context.Context, jobID string) ([]scraper.Record, error) {
	m.mu.Lock()
	rec, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	results := rec.results
	m.mu.Unlock()

	if results == nil {
		return []scraper.Record{}, nil
	}
	return results.List(ctx)
}

// Cleanup drops terminal jobs that finished more than olderThan ago and
// closes their result stores. On-disk campaign state stays in place so a
// resubmitted campaign still resumes. It returns the number of jobs removed.
func (m *Manager) Cleanup(olderThan time.Duration) int {
	cutoff := m.deps.Clock.Now().Add(-olderThan)

	m.mu.Lock()
	var victims []*record
	for id, rec := range m.jobs {
		if !rec.job.State.Terminal() {
			continue
		}
		if rec.job.Finished == nil || rec.job.Finished.After(cutoff) {
			continue
		}
		victims = append(victims, rec)
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	for _, rec := range victims {
		if rec.results != nil {
			if err := rec.results.Close(); err != nil {
				m.deps.Logger.Warn("closing result store during cleanup",
					zap.String("job_id", rec.job.ID), zap.Error(err))
			}
		}
	}
	if len(victims) > 0 {
		m.deps.Logger.Info("cleaned up old jobs", zap.Int("removed", len(victims)))
	}
	return len(victims)
}

func (m *Manager) workerLoop(ctx context.Context, workerID int) {
	logger := m.deps.Logger.With(zap.Int("worker", workerID))
	for {
		item, err := m.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("worker stopping")
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			return
		}
		m.runJob(ctx, item, logger)
	}
}

func (m *Manager) runJob(ctx context.Context, item scraper.QueueItem, logger *zap.Logger) {
	m.mu.Lock()
	rec, ok := m.jobs[item.JobID]
	if !ok || rec.job.State != scraper.JobPending {
		// Cancelled or cleaned up while queued.
		m.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	rec.job.State = scraper.JobRunning
	started := m.deps.Clock.Now()
	rec.job.Started = &started
	m.notifyLocked(rec, updateFor(rec.job))
	m.mu.Unlock()
	defer cancel()

	logger = logger.With(zap.String("job_id", item.JobID))
	err := m.executeJob(jobCtx, rec, item, logger)

	final := scraper.JobCompleted
	errText := ""
	switch {
	case err == nil:
		logger.Info("job completed")
	case jobCtx.Err() != nil && errors.Is(err, context.Canceled):
		final = scraper.JobCancelled
		logger.Info("job cancelled")
	default:
		final = scraper.JobFailed
		errText = err.Error()
		logger.Error("job failed", zap.Error(err))
	}

	m.mu.Lock()
	m.finalizeLocked(rec, final, errText)
	m.mu.Unlock()
}

// executeJob builds the job's stores, driver and session, runs it, and
// converts a session panic into an error so one bad job cannot take down
// the worker pool.
func (m *Manager) executeJob(
	ctx context.Context,
	rec *record,
	item scraper.QueueItem,
	logger *zap.Logger,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	// Artifacts are keyed by campaign identity, not job id, so a
	// resubmitted campaign resumes from its persisted state.
	m.mu.Lock()
	key := rec.campaignKey
	m.mu.Unlock()
	store := progress.NewStore(m.progressPath(key), m.deps.Clock, logger)

	results, err := sink.NewStore(m.resultsPath(key), m.deps.Hasher)
	if err != nil {
		return err
	}
	m.mu.Lock()
	rec.results = results
	m.mu.Unlock()

	driver, err := m.deps.NewDriver(ctx)
	if err != nil {
		return fmt.Errorf("open page driver: %w", err)
	}
	defer func() {
		if cerr := driver.Close(context.Background()); cerr != nil {
			logger.Warn("closing page driver", zap.Error(cerr))
		}
	}()

	sess, err := m.deps.NewSession(item.JobID, item.Config, session.Deps{
		Driver:     driver,
		Store:      store,
		Sink:       results,
		Clock:      m.deps.Clock,
		Logger:     logger,
		Emitter:    m.deps.Emitter,
		OnProgress: m.progressFunc(rec),
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec.job.Progress = scraper.Snapshot{Total: item.Config.GlobalTarget, CellsTotal: sess.CellsTotal()}
	m.mu.Unlock()

	return sess.Run(ctx)
}

// progressFunc throttles snapshot fan-out to one update per interval. The
// most recent snapshot always lands in the job record; watchers see at
// most one intermediate update per interval plus the terminal one.
func (m *Manager) progressFunc(rec *record) func(scraper.Snapshot) {
	return func(snap scraper.Snapshot) {
		now := m.deps.Clock.Now()
		m.mu.Lock()
		defer m.mu.Unlock()
		rec.job.Progress = snap
		if now.Sub(rec.lastNotify) < m.cfg.ProgressInterval {
			return
		}
		rec.lastNotify = now
		m.notifyLocked(rec, updateFor(rec.job))
	}
}

// finalizeLocked performs the exactly-once transition to a terminal state
// and releases all watchers. Callers hold the manager mutex.
func (m *Manager) finalizeLocked(rec *record, state scraper.JobState, errText string) {
	if rec.job.State.Terminal() {
		return
	}
	if m.active[rec.campaignKey] == rec.job.ID {
		delete(m.active, rec.campaignKey)
	}
	rec.job.State = state
	rec.job.ErrorText = errText
	finished := m.deps.Clock.Now()
	rec.job.Finished = &finished
	upd := updateFor(rec.job)
	for ch := range rec.watchers {
		// The terminal update must land even on a full buffer: evict the
		// oldest queued update to make room.
		select {
		case ch <- upd:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- upd:
			default:
			}
		}
		close(ch)
		delete(rec.watchers, ch)
	}
}

func (m *Manager) notifyLocked(rec *record, upd Update) {
	for ch := range rec.watchers {
		select {
		case ch <- upd:
		default:
			// Slow consumer; it catches up on the next update.
		}
	}
}

func (m *Manager) campaignKey(cfg scraper.CampaignConfig) (string, error) {
	return scraper.CampaignKey(cfg, m.deps.Hasher)
}

func (m *Manager) progressPath(key string) string {
	return filepath.Join(m.cfg.DataDir, "progress_"+key+".json")
}

func (m *Manager) resultsPath(key string) string {
	return filepath.Join(m.cfg.DataDir, "results_"+key+".db")
}

func updateFor(job scraper.Job) Update {
	return Update{State: job.State, Progress: job.Progress, Error: job.ErrorText}
}
