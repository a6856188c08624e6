package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ategon/placecrawler/internal/progress"
	"github.com/ategon/placecrawler/internal/scraper"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

// fakeDriver serves canned candidates per cell and records which cells were
// visited. Failure switches simulate the page misbehaving.
type fakeDriver struct {
	listings map[string][]string // cell id -> candidate keys
	current  string
	visited  []string

	failNavigate map[string]bool
	failExtract  map[string]bool
	onNavigate   func(cellID string)
}

func (d *fakeDriver) NavigateToCell(ctx context.Context, cell scraper.Cell) error {
	if d.onNavigate != nil {
		d.onNavigate(cell.ID)
	}
	// A real browser call fails once its context is cancelled.
	if err := ctx.Err(); err != nil {
		return &scraper.DriverError{Op: "navigate", Err: err}
	}
	if d.failNavigate[cell.ID] {
		return &scraper.DriverError{Op: "navigate", Err: errors.New("timeout")}
	}
	d.current = cell.ID
	d.visited = append(d.visited, cell.ID)
	return nil
}

func (d *fakeDriver) Search(context.Context, string) error { return nil }
func (d *fakeDriver) WaitForResults(context.Context) error { return nil }

func (d *fakeDriver) ScrollForCandidates(_ context.Context, _ int) (int, error) {
	return len(d.listings[d.current]), nil
}

func (d *fakeDriver) CollectCandidateKeys(_ context.Context, seen map[string]struct{}) ([]scraper.Candidate, error) {
	var out []scraper.Candidate
	for _, key := range d.listings[d.current] {
		if _, ok := seen[key]; ok {
			continue
		}
		out = append(out, scraper.Candidate{Key: key, Locator: key})
	}
	return out, nil
}

func (d *fakeDriver) Extract(ctx context.Context, cand scraper.Candidate) (scraper.Record, error) {
	if err := ctx.Err(); err != nil {
		return scraper.Record{}, &scraper.DriverError{Op: "extract", Err: err}
	}
	if d.failExtract[cand.Key] {
		return scraper.Record{}, &scraper.DriverError{Op: "extract", Err: errors.New("panel missing")}
	}
	return scraper.Record{Key: cand.Key, Name: "Biz " + cand.Key, Address: cand.Key + " St"}, nil
}

func (d *fakeDriver) Close(context.Context) error { return nil }

// memSink is an in-memory ResultSink with the same dedup-on-write contract
// as the SQLite store.
type memSink struct {
	records map[string]scraper.Record
	order   []string
	failOn  string
}

func newMemSink() *memSink { return &memSink{records: map[string]scraper.Record{}} }

func (s *memSink) Append(_ context.Context, rec scraper.Record) (bool, error) {
	if s.failOn != "" && rec.Key == s.failOn {
		return false, &scraper.PersistenceError{Component: "result sink append", Err: errors.New("disk full")}
	}
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	s.records[rec.Key] = rec
	s.order = append(s.order, rec.Key)
	return true, nil
}

func (s *memSink) Count(context.Context) (int, error) { return len(s.records), nil }
func (s *memSink) Compact(context.Context) (int, error) { return 0, nil }

func keys(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func campaign(policy scraper.Policy, gridSize, target int) scraper.CampaignConfig {
	return scraper.CampaignConfig{
		SearchTerm:   "coffee",
		Bounds:       scraper.Bounds{MinLat: 40.7, MinLng: -74.02, MaxLat: 40.8, MaxLng: -73.93},
		GridSize:     gridSize,
		GlobalTarget: target,
		Policy:       policy,
		Zoom:         15,
	}
}

func newDeps(t *testing.T, driver *fakeDriver, sink scraper.ResultSink) Deps {
	t.Helper()
	store := progress.NewStore(filepath.Join(t.TempDir(), "progress.json"), fakeClock{}, nil)
	return Deps{Driver: driver, Store: store, Sink: sink, Clock: fakeClock{}}
}

func TestGreedyStopsAtTarget(t *testing.T) {
	t.Parallel()

	// 3x3 grid, target 50. Cell 1 yields 30, cell 2 yields 25 of which 5
	// repeat cell 1 listings. The campaign must finish at exactly 50
	// without touching a third cell.
	cell2 := append(keys("a", 5), keys("b", 20)...)
	driver := &fakeDriver{listings: map[string][]string{
		"1_1": keys("a", 30),
		"1_2": cell2,
		"1_3": keys("c", 40),
	}}
	sink := newMemSink()
	deps := newDeps(t, driver, sink)

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 3, 50), deps)
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	assert.Equal(t, 50, len(sink.records))
	assert.Equal(t, 50, deps.Store.ResultsCount())
	assert.Equal(t, []string{"1_1", "1_2"}, driver.visited, "third cell must not be visited")
	assert.ElementsMatch(t, []string{"1_1", "1_2"}, deps.Store.CompletedCells())
}

func TestBalancedVisitsEveryCell(t *testing.T) {
	t.Parallel()

	// 2x2 grid, target 50: fair share 13 per cell, last cell takes the
	// remaining 11. Every cell is attempted even after the total is met.
	driver := &fakeDriver{listings: map[string][]string{
		"1_1": keys("a", 40),
		"1_2": keys("b", 40),
		"2_1": keys("c", 40),
		"2_2": keys("d", 40),
	}}
	sink := newMemSink()
	deps := newDeps(t, driver, sink)

	sess, err := New("job-1", campaign(scraper.PolicyBalanced, 2, 50), deps)
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	assert.Equal(t, 50, len(sink.records))
	assert.Len(t, deps.Store.CompletedCells(), 4)

	perCell := deps.Store.Snapshot(4).PerCell
	assert.Equal(t, 13, perCell["1_1"])
	assert.Equal(t, 13, perCell["1_2"])
	assert.Equal(t, 13, perCell["2_1"])
	assert.Equal(t, 11, perCell["2_2"])
}

func TestDriverFailuresDoNotAbortTheRun(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{
		listings: map[string][]string{
			"1_1": keys("a", 10),
			"2_1": keys("c", 10),
		},
		failNavigate: map[string]bool{"1_2": true},
		failExtract:  map[string]bool{"a-3": true},
	}
	sink := newMemSink()
	deps := newDeps(t, driver, sink)

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 2, 100), deps)
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	// a-3 failed extraction, 1_2 failed navigation, 2_2 has no listings:
	// everything else landed and every cell is marked completed.
	assert.Equal(t, 19, len(sink.records))
	assert.Len(t, deps.Store.CompletedCells(), 4)

	// The failed candidate's key is burned; a resume will not retry it.
	assert.Contains(t, deps.Store.SeenKeySet(), "a-3")
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{listings: map[string][]string{"1_1": keys("a", 10)}}
	sink := newMemSink()
	sink.failOn = "a-4"
	deps := newDeps(t, driver, sink)

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 1, 100), deps)
	require.NoError(t, err)

	err = sess.Run(context.Background())
	require.Error(t, err)
	assert.True(t, scraper.IsPersistence(err))
	// The cell never completed; a resume will revisit it.
	assert.Empty(t, deps.Store.CompletedCells())
}

func TestCancellationStopsAtCellBoundary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	driver := &fakeDriver{listings: map[string][]string{
		"1_1": keys("a", 5),
		"1_2": keys("b", 5),
		"2_1": keys("c", 5),
		"2_2": keys("d", 5),
	}}
	// Cancel while the second cell is in flight; its driver calls fail
	// with the cancelled context, so it must not be marked completed.
	driver.onNavigate = func(cellID string) {
		if cellID == "1_2" {
			cancel()
		}
	}
	sink := newMemSink()
	deps := newDeps(t, driver, sink)

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 2, 100), deps)
	require.NoError(t, err)

	err = sess.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []string{"1_1"}, deps.Store.CompletedCells())
	assert.Equal(t, 5, deps.Store.ResultsCount())
}

func TestResumeSkipsCompletedCellsAndSeenListings(t *testing.T) {
	t.Parallel()

	cfg := campaign(scraper.PolicyGreedy, 2, 20)
	store := progress.NewStore(filepath.Join(t.TempDir(), "progress.json"), fakeClock{}, nil)

	// First run collects 10 from cell 1_1, then is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeDriver{listings: map[string][]string{"1_1": keys("a", 10)}}
	first.onNavigate = func(cellID string) {
		if cellID == "1_2" {
			cancel()
		}
	}
	sink := newMemSink()
	sess, err := New("job-1", cfg, Deps{Driver: first, Store: store, Sink: sink, Clock: fakeClock{}})
	require.NoError(t, err)
	require.ErrorIs(t, sess.Run(ctx), context.Canceled)
	require.Equal(t, 10, store.ResultsCount())
	// The cancelled in-flight cell stays incomplete so the resume
	// revisits it.
	require.ElementsMatch(t, []string{"1_1"}, store.CompletedCells())

	// Second run resumes: 1_1 is skipped and its listings are already
	// seen, so only new listings from the rest of the grid count.
	second := &fakeDriver{listings: map[string][]string{
		"1_1": keys("a", 10),
		"1_2": append(keys("a", 10), keys("b", 30)...),
	}}
	sess, err = New("job-1", cfg, Deps{Driver: second, Store: store, Sink: sink, Clock: fakeClock{}})
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	assert.NotContains(t, second.visited, "1_1")
	assert.Equal(t, 20, store.ResultsCount())
	assert.Equal(t, 20, len(sink.records))
}

func TestSessionEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	var events []progress.Event
	driver := &fakeDriver{listings: map[string][]string{"1_1": keys("a", 3)}}
	deps := newDeps(t, driver, newMemSink())
	deps.Emitter = emitterFunc(func(evt progress.Event) { events = append(events, evt) })

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 1, 3), deps)
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	require.NotEmpty(t, events)
	assert.Equal(t, progress.StageJobStart, events[0].Stage)
	assert.Equal(t, progress.StageJobDone, events[len(events)-1].Stage)

	var cellDone *progress.Event
	for i := range events {
		if events[i].Stage == progress.StageCellDone {
			cellDone = &events[i]
		}
	}
	require.NotNil(t, cellDone)
	assert.Equal(t, "1_1", cellDone.CellID)
	assert.EqualValues(t, 3, cellDone.Records)
}

type emitterFunc func(progress.Event)

func (f emitterFunc) Emit(evt progress.Event) { f(evt) }

func TestOnProgressReceivesSnapshots(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{listings: map[string][]string{"1_1": keys("a", 5)}}
	deps := newDeps(t, driver, newMemSink())
	var snaps []scraper.Snapshot
	deps.OnProgress = func(s scraper.Snapshot) { snaps = append(snaps, s) }

	sess, err := New("job-1", campaign(scraper.PolicyGreedy, 1, 5), deps)
	require.NoError(t, err)
	require.NoError(t, sess.Run(context.Background()))

	require.Len(t, snaps, 5)
	assert.Equal(t, 5, snaps[4].Current)
	assert.Equal(t, 5, snaps[4].Total)
	assert.InDelta(t, 100.0, snaps[4].Percentage, 1e-9)
}
