// Package geo partitions a geographic search area into a grid of cells.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/ategon/placecrawler/internal/scraper"
)

// LargeAreaThresholdKm2 is the area above which Validate flags the search
// space as suspiciously large. One million square kilometers comfortably
// covers any metropolitan search.
const LargeAreaThresholdKm2 = 1_000_000

// Grid divides bounds into gridSize x gridSize equal-angle cells. The zero
// value is not usable; construct with New.
type Grid struct {
	bounds   scraper.Bounds
	gridSize int
	zoom     int
	cells    []scraper.Cell
}

// New validates bounds and builds the grid. It returns an error wrapping
// scraper.ErrInvalidBounds for bad ordering or out-of-range coordinates.
func New(bounds scraper.Bounds, gridSize, zoom int) (*Grid, error) {
	if gridSize < 1 {
		return nil, fmt.Errorf("%w: grid size must be >= 1", scraper.ErrInvalidConfig)
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &Grid{
		bounds:   bounds,
		gridSize: gridSize,
		zoom:     zoom,
		cells:    Partition(bounds, gridSize, zoom),
	}, nil
}

// Partition divides bounds into gridSize x gridSize cells in row-major
// order. It is pure and deterministic for identical inputs; the cells tile
// the bounds exactly with no gaps or overlap. Callers validate bounds first
// (New does); Partition itself never fails.
func Partition(bounds scraper.Bounds, gridSize, zoom int) []scraper.Cell {
	latStep := (bounds.MaxLat - bounds.MinLat) / float64(gridSize)
	lngStep := (bounds.MaxLng - bounds.MinLng) / float64(gridSize)

	cells := make([]scraper.Cell, 0, gridSize*gridSize)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			rect := orb.Bound{
				Min: orb.Point{
					bounds.MinLng + float64(col)*lngStep,
					bounds.MinLat + float64(row)*latStep,
				},
				Max: orb.Point{
					bounds.MinLng + float64(col+1)*lngStep,
					bounds.MinLat + float64(row+1)*latStep,
				},
			}
			center := rect.Center()
			cells = append(cells, scraper.Cell{
				ID:        CellID(row+1, col+1),
				CenterLat: center.Y(),
				CenterLng: center.X(),
				Zoom:      zoom,
				Bounds: scraper.Bounds{
					MinLat: rect.Min.Y(),
					MinLng: rect.Min.X(),
					MaxLat: rect.Max.Y(),
					MaxLng: rect.Max.X(),
				},
			})
		}
	}
	return cells
}

// CellID builds the stable "<row>_<col>" id, 1-based.
func CellID(row, col int) string {
	return fmt.Sprintf("%d_%d", row, col)
}

// ParseCellID splits a cell id back into its 1-based row and column.
func ParseCellID(id string) (row, col int, err error) {
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid cell id %q", id)
	}
	row, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell id %q", id)
	}
	col, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell id %q", id)
	}
	return row, col, nil
}

// Neighbors returns the ids of the up-to-eight cells adjacent to cellID
// within a gridSize x gridSize grid, in row-major order.
func Neighbors(cellID string, gridSize int) ([]string, error) {
	row, col, err := ParseCellID(cellID)
	if err != nil {
		return nil, err
	}
	var out []string
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			nr, nc := row+dr, col+dc
			if nr < 1 || nr > gridSize || nc < 1 || nc > gridSize {
				continue
			}
			out = append(out, CellID(nr, nc))
		}
	}
	return out, nil
}

// Cells returns the grid cells in emission (row-major) order.
func (g *Grid) Cells() []scraper.Cell {
	return g.cells
}

// Size returns the grid dimension.
func (g *Grid) Size() int {
	return g.gridSize
}

// CellContaining returns the cell holding the coordinate, or false when the
// point lies outside the grid bounds.
func (g *Grid) CellContaining(lat, lng float64) (scraper.Cell, bool) {
	pt := orb.Point{lng, lat}
	for _, cell := range g.cells {
		rect := orb.Bound{
			Min: orb.Point{cell.Bounds.MinLng, cell.Bounds.MinLat},
			Max: orb.Point{cell.Bounds.MaxLng, cell.Bounds.MaxLat},
		}
		if rect.Contains(pt) {
			return cell, true
		}
	}
	return scraper.Cell{}, false
}

// AreaKm2 approximates the total grid area.
func (g *Grid) AreaKm2() float64 {
	return g.bounds.AreaKm2()
}

// CellAreaKm2 approximates the area of a single cell.
func (g *Grid) CellAreaKm2() float64 {
	return g.AreaKm2() / float64(len(g.cells))
}

// LargeArea reports whether the grid covers more than the warning
// threshold. Non-fatal; callers log and continue.
func (g *Grid) LargeArea() bool {
	return g.AreaKm2() > LargeAreaThresholdKm2
}

// Info summarizes grid completion for logging and snapshots.
type Info struct {
	TotalCells     int     `json:"total_cells"`
	CompletedCells int     `json:"completed_cells"`
	RemainingCells int     `json:"remaining_cells"`
	Percentage     float64 `json:"percentage"`
	AreaKm2        float64 `json:"area_km2"`
	AreaPerCellKm2 float64 `json:"area_per_cell_km2"`
}

// ProgressInfo computes completion stats for a set of completed cell ids.
func (g *Grid) ProgressInfo(completed []string) Info {
	done := 0
	for _, id := range completed {
		if _, _, err := ParseCellID(id); err == nil {
			done++
		}
	}
	return Info{
		TotalCells:     len(g.cells),
		CompletedCells: done,
		RemainingCells: len(g.cells) - done,
		Percentage:     scraper.Percent(done, len(g.cells)),
		AreaKm2:        g.AreaKm2(),
		AreaPerCellKm2: g.CellAreaKm2(),
	}
}
