package progress

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ategon/placecrawler/internal/scraper"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testCampaign() scraper.CampaignConfig {
	return scraper.CampaignConfig{
		SearchTerm:   "coffee",
		Bounds:       scraper.Bounds{MinLat: 40.7, MinLng: -74.02, MaxLat: 40.8, MaxLng: -73.93},
		GridSize:     3,
		GlobalTarget: 50,
		Policy:       scraper.PolicyGreedy,
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.json")
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(path, clock, nil), path
}

func TestLoadOrInitCreatesFreshState(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))

	// The file exists immediately, before any results arrive.
	_, err := os.Stat(path)
	require.NoError(t, err)

	st := store.State()
	assert.Equal(t, CurrentVersion, st.Version)
	assert.Equal(t, "coffee", st.SearchTerm)
	assert.Equal(t, 50, st.TotalTarget)
	assert.Empty(t, st.CompletedCells)
	assert.Equal(t, 0, store.ResultsCount())
}

func TestMutationsSurviveReload(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	cfg := testCampaign()
	require.NoError(t, store.LoadOrInit(cfg))

	require.NoError(t, store.MarkCellCompleted("1_1"))
	require.NoError(t, store.AddSeenKeys("url-a", "url-b"))
	require.NoError(t, store.RecordCellResults("1_1", 7))
	n, err := store.IncrementResultsCount(7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	// A second store at the same path plays the part of a process restart.
	reloaded := NewStore(path, fixedClock{t: time.Now()}, nil)
	require.NoError(t, reloaded.LoadOrInit(cfg))

	assert.True(t, reloaded.IsCellCompleted("1_1"))
	assert.False(t, reloaded.IsCellCompleted("1_2"))
	assert.Equal(t, 7, reloaded.ResultsCount())
	assert.Contains(t, reloaded.SeenKeySet(), "url-a")
	assert.Contains(t, reloaded.SeenKeySet(), "url-b")
	assert.Equal(t, map[string]int{"1_1": 7}, reloaded.State().CellResults)
}

func TestResumeRefreshesTargetAndPolicy(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	cfg := testCampaign()
	require.NoError(t, store.LoadOrInit(cfg))
	_, err := store.IncrementResultsCount(10)
	require.NoError(t, err)

	resumed := cfg
	resumed.GlobalTarget = 200
	resumed.Policy = scraper.PolicyBalanced

	reloaded := NewStore(path, fixedClock{t: time.Now()}, nil)
	require.NoError(t, reloaded.LoadOrInit(resumed))

	st := reloaded.State()
	assert.Equal(t, 200, st.TotalTarget)
	assert.Equal(t, string(scraper.PolicyBalanced), st.Policy)
	assert.Equal(t, 10, st.ResultsCount, "collected results carry over")
}

func TestDifferentIdentityStartsFresh(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	require.NoError(t, store.MarkCellCompleted("1_1"))

	other := testCampaign()
	other.SearchTerm = "pizza"

	reloaded := NewStore(path, fixedClock{t: time.Now()}, nil)
	require.NoError(t, reloaded.LoadOrInit(other))

	assert.False(t, reloaded.IsCellCompleted("1_1"))
	assert.Equal(t, 0, reloaded.ResultsCount())
	assert.Equal(t, "pizza", reloaded.State().SearchTerm)
}

func TestDifferentGridSizeStartsFresh(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	require.NoError(t, store.MarkCellCompleted("2_2"))

	other := testCampaign()
	other.GridSize = 5

	reloaded := NewStore(path, fixedClock{t: time.Now()}, nil)
	require.NoError(t, reloaded.LoadOrInit(other))
	assert.False(t, reloaded.IsCellCompleted("2_2"))
}

func TestReconcileAdoptsSinkCount(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	_, err := store.IncrementResultsCount(5)
	require.NoError(t, err)

	require.NoError(t, store.Reconcile(3))
	assert.Equal(t, 3, store.ResultsCount())

	// Agreement is a no-op.
	require.NoError(t, store.Reconcile(3))
	assert.Equal(t, 3, store.ResultsCount())
}

func TestMarkCellCompletedIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	require.NoError(t, store.MarkCellCompleted("1_1"))
	require.NoError(t, store.MarkCellCompleted("1_1"))
	assert.Equal(t, []string{"1_1"}, store.CompletedCells())
}

func TestSeenKeySetReturnsCopy(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	require.NoError(t, store.AddSeenKeys("k1"))

	set := store.SeenKeySet()
	delete(set, "k1")
	assert.Contains(t, store.SeenKeySet(), "k1")
}

func TestCorruptFileReturnsPersistenceError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path, fixedClock{t: time.Now()}, nil)
	err := store.LoadOrInit(testCampaign())
	require.Error(t, err)
	assert.True(t, scraper.IsPersistence(err))
}

func TestSnapshotShape(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.LoadOrInit(testCampaign()))
	require.NoError(t, store.MarkCellCompleted("1_1"))
	require.NoError(t, store.RecordCellResults("1_1", 25))
	_, err := store.IncrementResultsCount(25)
	require.NoError(t, err)

	snap := store.Snapshot(9)
	assert.Equal(t, 25, snap.Current)
	assert.Equal(t, 50, snap.Total)
	assert.InDelta(t, 50.0, snap.Percentage, 1e-9)
	assert.Equal(t, 1, snap.CellsCompleted)
	assert.Equal(t, 9, snap.CellsTotal)
	assert.Equal(t, map[string]int{"1_1": 25}, snap.PerCell)
}

func TestDistribution(t *testing.T) {
	t.Parallel()

	st := State{CellResults: map[string]int{"1_1": 5, "1_2": 15, "2_1": 0}}
	stats := st.Distribution()
	assert.Equal(t, 2, stats.CellsWithResults)
	assert.Equal(t, 5, stats.MinPerCell)
	assert.Equal(t, 15, stats.MaxPerCell)
	assert.InDelta(t, 10.0, stats.AvgPerCell, 1e-9)
}
