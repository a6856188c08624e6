package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ategon/placecrawler/internal/hash/sha256"
	"github.com/ategon/placecrawler/internal/scraper"
)

func newTestSink(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "results.db"), sha256.New())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func record(key, name, address, cellID string) scraper.Record {
	return scraper.Record{Key: key, Name: name, Address: address, CellID: cellID}
}

func TestAppendReportsNewVersusDuplicate(t *testing.T) {
	t.Parallel()

	store := newTestSink(t)
	ctx := context.Background()

	ok, err := store.Append(ctx, record("u1", "Cafe A", "1 Main St", "1_1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Same key again, even from another cell, is a duplicate.
	ok, err = store.Append(ctx, record("u1", "Cafe A", "1 Main St", "2_2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Append(ctx, record("u2", "Cafe B", "2 Main St", "1_1"))
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendDerivesKeyFromContent(t *testing.T) {
	t.Parallel()

	store := newTestSink(t)
	ctx := context.Background()

	ok, err := store.Append(ctx, record("", "Cafe A", "1 Main St", "1_1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Identical name+address hashes to the same key.
	ok, err = store.Append(ctx, record("", "Cafe A", "1 Main St", "1_2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Append(ctx, record("", "Cafe A", "9 Other St", "1_2"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompactRemovesCrossKeyDuplicates(t *testing.T) {
	t.Parallel()

	store := newTestSink(t)
	ctx := context.Background()

	// Two source URLs pointing at the same business.
	for _, key := range []string{"u1", "u2"} {
		ok, err := store.Append(ctx, record(key, "Cafe A", "1 Main St", "1_1"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.Append(ctx, record("u3", "Cafe B", "2 Main St", "1_2"))
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// The earliest record for the tuple survives.
	assert.Equal(t, "u1", recs[0].Key)
	assert.Equal(t, "u3", recs[1].Key)
}

func TestCompactPrunesConstantFields(t *testing.T) {
	t.Parallel()

	store := newTestSink(t)
	ctx := context.Background()

	a := record("u1", "Cafe A", "1 Main St", "1_1")
	a.Fields = map[string]string{"country": "US", "phone": "111"}
	b := record("u2", "Cafe B", "2 Main St", "1_2")
	b.Fields = map[string]string{"country": "US", "phone": "222"}

	for _, rec := range []scraper.Record{a, b} {
		ok, err := store.Append(ctx, rec)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := store.Compact(ctx)
	require.NoError(t, err)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.NotContains(t, rec.Fields, "country", "constant attribute should be pruned")
		assert.Contains(t, rec.Fields, "phone")
	}
}

func TestCountSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()

	store, err := NewStore(path, sha256.New())
	require.NoError(t, err)
	ok, err := store.Append(ctx, record("u1", "Cafe A", "1 Main St", "1_1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, sha256.New())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The dedup constraint persists across restarts.
	ok, err = reopened.Append(ctx, record("u1", "Cafe A", "1 Main St", "1_1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	store := newTestSink(t)
	ctx := context.Background()

	a := record("u1", "Cafe A", "1 Main St", "1_1")
	a.Fields = map[string]string{"phone": "111"}
	b := record("u2", "Cafe B", "2 Main St", "1_2")
	b.Fields = map[string]string{"website": "https://b.example"}
	for _, rec := range []scraper.Record{a, b} {
		_, err := store.Append(ctx, rec)
		require.NoError(t, err)
	}

	out := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, store.ExportCSV(ctx, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"key", "name", "address", "cell_id", "phone", "website"}, rows[0])
	assert.Equal(t, []string{"u1", "Cafe A", "1 Main St", "1_1", "111", ""}, rows[1])
	assert.Equal(t, []string{"u2", "Cafe B", "2 Main St", "1_2", "", "https://b.example"}, rows[2])
}
