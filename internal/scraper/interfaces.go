package scraper

import (
	"context"
	"time"
)

// Candidate is a discovered listing that has not been extracted yet. Key is
// the dedup key; Locator is whatever handle the driver needs to reach the
// listing again (typically its URL).
type Candidate struct {
	Key     string
	Locator string
}

// PageDriver is the external capability that performs navigation and
// extraction against the live source. Every call may fail with a generic
// driver error; callers treat each failure as "this candidate or cell
// yielded nothing further".
type PageDriver interface {
	NavigateToCell(ctx context.Context, cell Cell) error
	Search(ctx context.Context, term string) error
	WaitForResults(ctx context.Context) error
	ScrollForCandidates(ctx context.Context, target int) (int, error)
	CollectCandidateKeys(ctx context.Context, seen map[string]struct{}) ([]Candidate, error)
	Extract(ctx context.Context, cand Candidate) (Record, error)
	Close(ctx context.Context) error
}

// ProgressStore is the durable, crash-resumable record of a campaign's
// state. Implementations flush every mutation before returning; a flush
// failure is fatal to the campaign.
type ProgressStore interface {
	LoadOrInit(cfg CampaignConfig) error
	Reconcile(externalCount int) error

	MarkCellCompleted(cellID string) error
	AddSeenKeys(keys ...string) error
	RecordCellResults(cellID string, n int) error
	IncrementResultsCount(n int) (int, error)

	IsCellCompleted(cellID string) bool
	SeenKeySet() map[string]struct{}
	ResultsCount() int
	CompletedCells() []string
	Snapshot(cellsTotal int) Snapshot
}

// ResultSink is the authoritative, deduplicated output accumulation for one
// campaign. Append reports whether the record was newly written.
type ResultSink interface {
	Append(ctx context.Context, rec Record) (bool, error)
	Count(ctx context.Context) (int, error)
	Compact(ctx context.Context) (int, error)
}

// Queue provides enqueue/dequeue semantics for campaign jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for dedup-key derivation.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
