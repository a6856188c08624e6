// Package policy computes per-cell collection targets for a campaign.
package policy

import (
	"fmt"

	"github.com/ategon/placecrawler/internal/scraper"
)

// DefaultPerCellCap bounds how many listings a single cell may contribute
// under the balanced policy when the submitter supplies no cap. Protects
// against one dense cell consuming a disproportionate share of wall time.
const DefaultPerCellCap = 120

// Allocator lazily evaluates each cell's target as the campaign progresses.
// Targets depend only on how much has been collected so far, so the same
// Allocator remains valid across resumed runs.
type Allocator struct {
	policy       scraper.Policy
	globalTarget int
	cellCount    int
	perCellCap   int
	fairShare    int
}

// New builds an Allocator. perCellCap <= 0 selects DefaultPerCellCap; it
// only constrains the balanced policy.
func New(policy scraper.Policy, globalTarget, cellCount, perCellCap int) (*Allocator, error) {
	if _, err := scraper.ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	if globalTarget <= 0 {
		return nil, fmt.Errorf("%w: global target must be > 0", scraper.ErrInvalidConfig)
	}
	if cellCount <= 0 {
		return nil, fmt.Errorf("%w: cell count must be > 0", scraper.ErrInvalidConfig)
	}
	if perCellCap <= 0 {
		perCellCap = DefaultPerCellCap
	}
	return &Allocator{
		policy:       policy,
		globalTarget: globalTarget,
		cellCount:    cellCount,
		perCellCap:   perCellCap,
		fairShare:    ceilDiv(globalTarget, cellCount),
	}, nil
}

// Target computes the next cell's target given the results collected so
// far. A value <= 0 means the cell should be skipped without touching the
// page driver.
func (a *Allocator) Target(collected int) int {
	remaining := a.globalTarget - collected
	if remaining <= 0 {
		return 0
	}
	if a.policy == scraper.PolicyGreedy {
		return remaining
	}
	target := a.fairShare
	if target > a.perCellCap {
		target = a.perCellCap
	}
	if target > remaining {
		target = remaining
	}
	return target
}

// Done reports whether the campaign should stop issuing further cells.
// Greedy stops at the global target; balanced always visits every cell to
// preserve even geographic coverage.
func (a *Allocator) Done(collected int) bool {
	return a.policy == scraper.PolicyGreedy && collected >= a.globalTarget
}

// Policy returns the configured policy.
func (a *Allocator) Policy() scraper.Policy {
	return a.policy
}

// FairShare returns the nominal balanced per-cell target,
// ceil(globalTarget / cellCount).
func (a *Allocator) FairShare() int {
	return a.fairShare
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
