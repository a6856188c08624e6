// Package scraper defines core types shared across subsystems.
package scraper

import (
	"fmt"
	"math"
	"time"
)

// Policy selects how a campaign's global target is distributed across cells.
type Policy string

// Quota policies accepted at submission time.
const (
	PolicyGreedy   Policy = "greedy"
	PolicyBalanced Policy = "balanced"
)

// ParsePolicy validates a policy string from config or API input.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(raw) {
	case PolicyGreedy:
		return PolicyGreedy, nil
	case PolicyBalanced:
		return PolicyBalanced, nil
	default:
		return "", fmt.Errorf("%w: policy must be %q or %q, got %q",
			ErrInvalidConfig, PolicyGreedy, PolicyBalanced, raw)
	}
}

// Bounds is a rectangular geographic search area. Immutable once a campaign
// starts; it is part of the campaign identity used for resume matching.
type Bounds struct {
	MinLat float64 `json:"min_lat" mapstructure:"min_lat"`
	MinLng float64 `json:"min_lng" mapstructure:"min_lng"`
	MaxLat float64 `json:"max_lat" mapstructure:"max_lat"`
	MaxLng float64 `json:"max_lng" mapstructure:"max_lng"`
}

// Validate checks ordering and coordinate ranges.
func (b Bounds) Validate() error {
	if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
		return fmt.Errorf("%w: min values must be less than max values", ErrInvalidBounds)
	}
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("%w: latitude must be within [-90, 90]", ErrInvalidBounds)
	}
	if b.MinLng < -180 || b.MaxLng > 180 {
		return fmt.Errorf("%w: longitude must be within [-180, 180]", ErrInvalidBounds)
	}
	return nil
}

// AreaKm2 approximates the covered area using a flat-earth projection at
// roughly 111 km per degree. Good enough at city or region scale.
func (b Bounds) AreaKm2() float64 {
	return (b.MaxLat - b.MinLat) * 111.0 * (b.MaxLng - b.MinLng) * 111.0
}

// Slice returns the bounds in (minLat, minLng, maxLat, maxLng) order, the
// form persisted in progress files.
func (b Bounds) Slice() []float64 {
	return []float64{b.MinLat, b.MinLng, b.MaxLat, b.MaxLng}
}

// BoundsFromSlice rebuilds Bounds from the persisted form. A slice of the
// wrong length yields the zero value.
func BoundsFromSlice(vals []float64) Bounds {
	if len(vals) != 4 {
		return Bounds{}
	}
	return Bounds{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
}

// Cell is one rectangular sub-region of the search bounds, processed as an
// independent unit of work. Its ID is derived from the grid position so that
// persisted progress stays valid across restarts.
type Cell struct {
	ID        string  `json:"id"`
	CenterLat float64 `json:"center_lat"`
	CenterLng float64 `json:"center_lng"`
	Zoom      int     `json:"zoom"`
	Bounds    Bounds  `json:"bounds"`
}

// MapsURL builds the map viewport URL the page driver navigates to.
func (c Cell) MapsURL() string {
	return fmt.Sprintf("https://www.google.com/maps/@%f,%f,%dz", c.CenterLat, c.CenterLng, c.Zoom)
}

// Contains reports whether a coordinate falls inside the cell rectangle.
func (c Cell) Contains(lat, lng float64) bool {
	return lat >= c.Bounds.MinLat && lat <= c.Bounds.MaxLat &&
		lng >= c.Bounds.MinLng && lng <= c.Bounds.MaxLng
}

// CampaignConfig is the full description of one campaign. The identity used
// for resume matching is (SearchTerm, Bounds, GridSize); target, policy and
// cap may change between resumed runs.
type CampaignConfig struct {
	SearchTerm   string `json:"search_term"`
	Bounds       Bounds `json:"bounds"`
	GridSize     int    `json:"grid_size"`
	GlobalTarget int    `json:"global_target"`
	Policy       Policy `json:"policy"`
	PerCellCap   int    `json:"per_cell_cap"`
	Zoom         int    `json:"zoom"`
}

// Validate rejects bad campaign input before any work starts. maxTarget is
// the configured ceiling for GlobalTarget; zero disables the ceiling.
func (c CampaignConfig) Validate(maxTarget int) error {
	if c.SearchTerm == "" {
		return fmt.Errorf("%w: search term is required", ErrInvalidConfig)
	}
	if c.GlobalTarget <= 0 {
		return fmt.Errorf("%w: global target must be > 0", ErrInvalidConfig)
	}
	if maxTarget > 0 && c.GlobalTarget > maxTarget {
		return fmt.Errorf("%w: global target %d exceeds ceiling %d",
			ErrInvalidConfig, c.GlobalTarget, maxTarget)
	}
	if c.GridSize < 1 || c.GridSize > 10 {
		return fmt.Errorf("%w: grid size must be within [1, 10]", ErrInvalidConfig)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.PerCellCap < 0 {
		return fmt.Errorf("%w: per-cell cap must be >= 0", ErrInvalidConfig)
	}
	return c.Bounds.Validate()
}

// CampaignKey hashes the campaign identity tuple (term, bounds, grid size)
// into a stable filesystem-safe artifact key, so every entry point that
// persists campaign state shares it. Target and policy are excluded: they
// may change on resume without starting a new campaign.
func CampaignKey(c CampaignConfig, hasher Hasher) (string, error) {
	identity := fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f|%d",
		c.SearchTerm,
		c.Bounds.MinLat, c.Bounds.MinLng, c.Bounds.MaxLat, c.Bounds.MaxLng,
		c.GridSize)
	sum, err := hasher.Hash([]byte(identity))
	if err != nil {
		return "", err
	}
	if len(sum) > 16 {
		sum = sum[:16]
	}
	return sum, nil
}

// Record is one extracted listing. Records are immutable once written to a
// sink; Key identifies the underlying entity for deduplication.
type Record struct {
	Key     string            `json:"key"`
	Name    string            `json:"name"`
	Address string            `json:"address"`
	CellID  string            `json:"cell_id"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// JobState is the lifecycle state of a campaign job.
type JobState string

// Job states. Pending and Running are transient; the rest are terminal and
// entered exactly once.
const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Snapshot is the progress shape surfaced to observers. Front ends format
// it; they do not compute it.
type Snapshot struct {
	Current        int            `json:"current"`
	Total          int            `json:"total"`
	Percentage     float64        `json:"percentage"`
	CellsCompleted int            `json:"cells_completed"`
	CellsTotal     int            `json:"cells_total"`
	PerCell        map[string]int `json:"per_cell_distribution,omitempty"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// Percent computes a clamped completion percentage for current/total pairs.
func Percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(100, float64(current)/float64(total)*100)
}

// Job is the metadata tracked for each submitted campaign.
type Job struct {
	ID        string         `json:"id"`
	State     JobState       `json:"state"`
	Config    CampaignConfig `json:"config"`
	Progress  Snapshot       `json:"progress"`
	Submitted time.Time      `json:"submitted_at"`
	Started   *time.Time     `json:"started_at,omitempty"`
	Finished  *time.Time     `json:"finished_at,omitempty"`
	ErrorText string         `json:"error_text,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Config    CampaignConfig
	Submitted int64
}
