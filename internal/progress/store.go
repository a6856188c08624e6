package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/scraper"
)

// Store is a file-backed scraper.ProgressStore. One Store serves one
// campaign; every mutation is flushed to disk before returning, so a crash
// between two mutations loses at most the in-flight one and never corrupts
// the persisted file.
type Store struct {
	path   string
	clock  scraper.Clock
	logger *zap.Logger

	mu    sync.Mutex
	state State
	seen  map[string]struct{}
}

// NewStore creates a Store persisting to path. The file is not touched
// until LoadOrInit runs.
func NewStore(path string, clock scraper.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		clock:  clock,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// LoadOrInit loads persisted state when its campaign identity matches cfg,
// refreshing the target and policy to cfg's values; otherwise it starts a
// fresh state keyed to the new identity.
func (s *Store) LoadOrInit(cfg scraper.CampaignConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, found, err := s.read()
	if err != nil {
		return err
	}
	if found && loaded.Matches(cfg) {
		loaded.TotalTarget = cfg.GlobalTarget
		loaded.Policy = string(cfg.Policy)
		if loaded.CellResults == nil {
			loaded.CellResults = map[string]int{}
		}
		s.state = loaded
		s.logger.Info("resuming campaign",
			zap.String("search_term", cfg.SearchTerm),
			zap.Int("results_count", loaded.ResultsCount),
			zap.Int("completed_cells", len(loaded.CompletedCells)),
		)
	} else {
		if found {
			s.logger.Info("persisted progress belongs to a different campaign, starting fresh",
				zap.String("search_term", cfg.SearchTerm))
		}
		s.state = newState(cfg, s.clock.Now())
	}

	s.seen = make(map[string]struct{}, len(s.state.SeenKeys))
	for _, k := range s.state.SeenKeys {
		s.seen[k] = struct{}{}
	}
	return s.flushLocked()
}

// Reconcile corrects the results count against the sink's authoritative
// value and persists immediately. Run once at load time; without it, drift
// from a prior crash compounds across resumes.
func (s *Store) Reconcile(externalCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ResultsCount == externalCount {
		return nil
	}
	s.logger.Warn("progress count disagrees with result sink, adopting sink count",
		zap.Int("progress_count", s.state.ResultsCount),
		zap.Int("sink_count", externalCount),
	)
	s.state.ResultsCount = externalCount
	return s.flushLocked()
}

// MarkCellCompleted records a cell as done. Idempotent.
func (s *Store) MarkCellCompleted(cellID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.state.CompletedCells {
		if id == cellID {
			return nil
		}
	}
	s.state.CompletedCells = append(s.state.CompletedCells, cellID)
	return s.flushLocked()
}

// AddSeenKeys appends keys to the seen set. The set only grows.
func (s *Store) AddSeenKeys(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.state.SeenKeys = append(s.state.SeenKeys, k)
		changed = true
	}
	if !changed {
		return nil
	}
	return s.flushLocked()
}

// RecordCellResults adds to a cell's per-cell tally.
func (s *Store) RecordCellResults(cellID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CellResults[cellID] += n
	return s.flushLocked()
}

// IncrementResultsCount bumps the global count and returns the new value.
func (s *Store) IncrementResultsCount(n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ResultsCount += n
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	return s.state.ResultsCount, nil
}

// IsCellCompleted reports whether a cell was finished in this or a prior run.
func (s *Store) IsCellCompleted(cellID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.state.CompletedCells {
		if id == cellID {
			return true
		}
	}
	return false
}

// SeenKeySet returns a copy of the seen-key set.
func (s *Store) SeenKeySet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.seen))
	for k := range s.seen {
		out[k] = struct{}{}
	}
	return out
}

// ResultsCount returns the current global count.
func (s *Store) ResultsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ResultsCount
}

// CompletedCells returns a copy of the completed cell ids.
func (s *Store) CompletedCells() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.state.CompletedCells))
	copy(out, s.state.CompletedCells)
	return out
}

// Snapshot builds the observer-facing progress shape.
func (s *Store) Snapshot(cellsTotal int) scraper.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	perCell := make(map[string]int, len(s.state.CellResults))
	for k, v := range s.state.CellResults {
		perCell[k] = v
	}
	return scraper.Snapshot{
		Current:        s.state.ResultsCount,
		Total:          s.state.TotalTarget,
		Percentage:     s.state.Percentage(),
		CellsCompleted: len(s.state.CompletedCells),
		CellsTotal:     cellsTotal,
		PerCell:        perCell,
		LastUpdated:    s.state.LastUpdated,
	}
}

// State returns a copy of the current state, mainly for logging and tests.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.CompletedCells = append([]string(nil), s.state.CompletedCells...)
	st.SeenKeys = append([]string(nil), s.state.SeenKeys...)
	st.CellResults = make(map[string]int, len(s.state.CellResults))
	for k, v := range s.state.CellResults {
		st.CellResults[k] = v
	}
	return st
}

func (s *Store) read() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, &scraper.PersistenceError{
			Component: "progress store read",
			Err:       err,
		}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, &scraper.PersistenceError{
			Component: "progress store parse",
			Err:       fmt.Errorf("%s: %w", s.path, err),
		}
	}
	return st, true, nil
}

// flushLocked writes the state atomically: marshal to a temp file in the
// same directory, then rename over the target. The caller holds s.mu.
func (s *Store) flushLocked() error {
	s.state.LastUpdated = s.clock.Now()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return &scraper.PersistenceError{Component: "progress store flush", Err: err}
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &scraper.PersistenceError{Component: "progress store flush", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &scraper.PersistenceError{Component: "progress store flush", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &scraper.PersistenceError{Component: "progress store flush", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &scraper.PersistenceError{Component: "progress store flush", Err: err}
	}
	return nil
}
