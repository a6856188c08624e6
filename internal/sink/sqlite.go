// Package sink persists deduplicated campaign records in SQLite.
package sink

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ategon/placecrawler/internal/scraper"
)

// Store is a SQLite-backed scraper.ResultSink. The database is the source
// of truth for deduplication: the UNIQUE constraint on dedup_key decides
// whether an append is new, regardless of any in-memory seen set upstream.
type Store struct {
	db     *sql.DB
	hasher scraper.Hasher
	mu     sync.Mutex
}

// NewStore opens (creating if needed) the dataset at dbPath. hasher derives
// dedup keys for records that carry no stable source identifier.
func NewStore(dbPath string, hasher scraper.Hasher) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &scraper.PersistenceError{Component: "result sink open", Err: err}
	}

	// Write-throughput pragmas; the sink is append-heavy.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, &scraper.PersistenceError{
				Component: "result sink open",
				Err:       fmt.Errorf("setting pragma %q: %w", p, err),
			}
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dedup_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		address TEXT,
		cell_id TEXT,
		fields TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_records_cell ON records(cell_id);
	CREATE INDEX IF NOT EXISTS idx_records_name_address ON records(name, address);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &scraper.PersistenceError{
			Component: "result sink open",
			Err:       fmt.Errorf("creating schema: %w", err),
		}
	}
	return &Store{db: db, hasher: hasher}, nil
}

// DedupKey returns the record's key, deriving one from the name+address
// content tuple when the source supplied no stable identifier.
func (s *Store) DedupKey(rec scraper.Record) (string, error) {
	if rec.Key != "" {
		return rec.Key, nil
	}
	key, err := s.hasher.Hash([]byte(rec.Name + "|" + rec.Address))
	if err != nil {
		return "", fmt.Errorf("derive dedup key: %w", err)
	}
	return key, nil
}

// Append writes the record unless its dedup key already exists. Returns
// true when the record was newly written, false for a duplicate. Appends
// are serialized; concurrent sessions sharing a sink are not expected but
// guarded against.
func (s *Store) Append(ctx context.Context, rec scraper.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.DedupKey(rec)
	if err != nil {
		return false, &scraper.PersistenceError{Component: "result sink append", Err: err}
	}
	var fields []byte
	if len(rec.Fields) > 0 {
		fields, err = json.Marshal(rec.Fields)
		if err != nil {
			return false, &scraper.PersistenceError{Component: "result sink append", Err: err}
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (dedup_key, name, address, cell_id, fields)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, key, rec.Name, rec.Address, rec.CellID, nullableString(fields))
	if err != nil {
		return false, &scraper.PersistenceError{Component: "result sink append", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &scraper.PersistenceError{Component: "result sink append", Err: err}
	}
	return n > 0, nil
}

// Count returns the authoritative record count.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	if err != nil {
		return 0, &scraper.PersistenceError{Component: "result sink count", Err: err}
	}
	return count, nil
}

// Compact removes records whose (name, address) tuple duplicates an earlier
// record under a different dedup key, then drops attributes whose value is
// constant across the whole dataset. Returns the number of duplicates
// removed. Run as a post-pass; correctness does not depend on it.
func (s *Store) Compact(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE id NOT IN (
			SELECT MIN(id) FROM records GROUP BY name, address
		)
	`)
	if err != nil {
		return 0, &scraper.PersistenceError{Component: "result sink compact", Err: err}
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, &scraper.PersistenceError{Component: "result sink compact", Err: err}
	}

	if err := s.pruneConstantFields(ctx); err != nil {
		return int(removed), err
	}
	return int(removed), nil
}

// pruneConstantFields strips extra-field attributes carrying one identical
// value in every record. A data-quality cleanup mirroring constant-column
// removal in tabular exports.
func (s *Store) pruneConstantFields(ctx context.Context) error {
	rows, err := s.listLocked(ctx)
	if err != nil {
		return err
	}
	if len(rows) < 2 {
		return nil
	}

	constant := map[string]string{}
	for key, val := range rows[0].rec.Fields {
		constant[key] = val
	}
	for _, row := range rows[1:] {
		for key, val := range constant {
			got, ok := row.rec.Fields[key]
			if !ok || got != val {
				delete(constant, key)
			}
		}
	}
	if len(constant) == 0 {
		return nil
	}

	for _, row := range rows {
		changed := false
		for key := range constant {
			if _, ok := row.rec.Fields[key]; ok {
				delete(row.rec.Fields, key)
				changed = true
			}
		}
		if !changed {
			continue
		}
		var fields []byte
		if len(row.rec.Fields) > 0 {
			fields, err = json.Marshal(row.rec.Fields)
			if err != nil {
				return &scraper.PersistenceError{Component: "result sink compact", Err: err}
			}
		}
		if _, err := s.db.ExecContext(ctx,
			"UPDATE records SET fields = ? WHERE id = ?",
			nullableString(fields), row.id,
		); err != nil {
			return &scraper.PersistenceError{Component: "result sink compact", Err: err}
		}
	}
	return nil
}

// List returns all records in insertion order.
func (s *Store) List(ctx context.Context) ([]scraper.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.listLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scraper.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.rec)
	}
	return out, nil
}

// ExportCSV writes the dataset to path with one column per fixed field
// plus one per extra-field attribute observed anywhere in the dataset.
func (s *Store) ExportCSV(ctx context.Context, path string) error {
	recs, err := s.List(ctx)
	if err != nil {
		return err
	}

	attrSet := map[string]struct{}{}
	for _, rec := range recs {
		for key := range rec.Fields {
			attrSet[key] = struct{}{}
		}
	}
	attrs := make([]string, 0, len(attrSet))
	for key := range attrSet {
		attrs = append(attrs, key)
	}
	sort.Strings(attrs)

	f, err := os.Create(path)
	if err != nil {
		return &scraper.PersistenceError{Component: "result sink export", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"key", "name", "address", "cell_id"}, attrs...)
	if err := w.Write(header); err != nil {
		return &scraper.PersistenceError{Component: "result sink export", Err: err}
	}
	for _, rec := range recs {
		row := []string{rec.Key, rec.Name, rec.Address, rec.CellID}
		for _, attr := range attrs {
			row = append(row, rec.Fields[attr])
		}
		if err := w.Write(row); err != nil {
			return &scraper.PersistenceError{Component: "result sink export", Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &scraper.PersistenceError{Component: "result sink export", Err: err}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type storedRecord struct {
	id  int64
	rec scraper.Record
}

func (s *Store) listLocked(ctx context.Context) ([]storedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dedup_key, name, address, cell_id, fields
		FROM records ORDER BY id
	`)
	if err != nil {
		return nil, &scraper.PersistenceError{Component: "result sink list", Err: err}
	}
	defer rows.Close()

	var out []storedRecord
	for rows.Next() {
		var (
			row     storedRecord
			address sql.NullString
			cellID  sql.NullString
			fields  sql.NullString
		)
		if err := rows.Scan(&row.id, &row.rec.Key, &row.rec.Name, &address, &cellID, &fields); err != nil {
			return nil, &scraper.PersistenceError{Component: "result sink list", Err: err}
		}
		row.rec.Address = address.String
		row.rec.CellID = cellID.String
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &row.rec.Fields); err != nil {
				return nil, &scraper.PersistenceError{Component: "result sink list", Err: err}
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &scraper.PersistenceError{Component: "result sink list", Err: err}
	}
	return out, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
