// Package progress persists campaign state and distributes progress events.
package progress

import (
	"time"

	"github.com/ategon/placecrawler/internal/scraper"
)

// CurrentVersion is the persisted schema version. Loads of older files fill
// missing fields with zero values, which are all safe defaults.
const CurrentVersion = 1

// State is the durable representation of one campaign's progress. It is
// owned exclusively by Store and mutated only through Store's API.
type State struct {
	Version        int            `json:"version"`
	SearchTerm     string         `json:"search_term"`
	Bounds         []float64      `json:"bounds"`
	GridSize       int            `json:"grid_size"`
	TotalTarget    int            `json:"total_target"`
	Policy         string         `json:"policy"`
	CompletedCells []string       `json:"completed_cells"`
	SeenKeys       []string       `json:"seen_keys"`
	ResultsCount   int            `json:"results_count"`
	CellResults    map[string]int `json:"cell_results"`
	StartedAt      time.Time      `json:"started_at"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// Matches reports whether the persisted state belongs to the same campaign
// identity. Matching is exact on (searchTerm, bounds, gridSize); target and
// policy are refreshed on resume and do not participate.
func (s State) Matches(cfg scraper.CampaignConfig) bool {
	if s.SearchTerm != cfg.SearchTerm || s.GridSize != cfg.GridSize {
		return false
	}
	want := cfg.Bounds.Slice()
	if len(s.Bounds) != len(want) {
		return false
	}
	for i := range want {
		if s.Bounds[i] != want[i] {
			return false
		}
	}
	return true
}

// Percentage is the campaign completion fraction against the target.
func (s State) Percentage() float64 {
	return scraper.Percent(s.ResultsCount, s.TotalTarget)
}

// DistributionStats summarizes how results spread across cells.
type DistributionStats struct {
	CellsWithResults int     `json:"cells_with_results"`
	MinPerCell       int     `json:"min_per_cell"`
	MaxPerCell       int     `json:"max_per_cell"`
	AvgPerCell       float64 `json:"avg_per_cell"`
}

// Distribution computes spread stats over cells that produced results.
func (s State) Distribution() DistributionStats {
	var stats DistributionStats
	sum := 0
	for _, n := range s.CellResults {
		if n <= 0 {
			continue
		}
		if stats.CellsWithResults == 0 || n < stats.MinPerCell {
			stats.MinPerCell = n
		}
		if n > stats.MaxPerCell {
			stats.MaxPerCell = n
		}
		stats.CellsWithResults++
		sum += n
	}
	if stats.CellsWithResults > 0 {
		stats.AvgPerCell = float64(sum) / float64(stats.CellsWithResults)
	}
	return stats
}

func newState(cfg scraper.CampaignConfig, now time.Time) State {
	return State{
		Version:        CurrentVersion,
		SearchTerm:     cfg.SearchTerm,
		Bounds:         cfg.Bounds.Slice(),
		GridSize:       cfg.GridSize,
		TotalTarget:    cfg.GlobalTarget,
		Policy:         string(cfg.Policy),
		CompletedCells: []string{},
		SeenKeys:       []string{},
		CellResults:    map[string]int{},
		StartedAt:      now,
		LastUpdated:    now,
	}
}
