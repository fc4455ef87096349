package locator

import (
	"math"
	"slices"

	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/webtile"
)

// LevelSelector proposes target levels for a source tile, best first. The
// locator tries them in order and keeps the first that yields tiles.
type LevelSelector interface {
	Candidates(src webtile.Tile, box grid.BBox) []int
	Name() string
}

// neighbours expands a preferred level into best, +1, -1, +2, -2 and drops
// levels the grid cannot address. Finer levels win ties.
func neighbours(g *grid.Grid, best int) []int {
	var out []int
	for _, d := range []int{0, 1, -1, 2, -2} {
		if _, ok := g.Range(best + d); ok {
			out = append(out, best+d)
		}
	}
	return out
}

// ResolutionMatch picks the ladder entry closest to the ground resolution
// of the source tile expressed in target units.
type ResolutionMatch struct {
	grid       *grid.Grid
	sourceTile int
}

// NewResolutionMatch returns the selector for source tiles of sourceTilePx
// pixels per side.
func NewResolutionMatch(g *grid.Grid, sourceTilePx int) *ResolutionMatch {
	return &ResolutionMatch{grid: g, sourceTile: sourceTilePx}
}

func (s *ResolutionMatch) Name() string { return "resolution" }

func (s *ResolutionMatch) Candidates(_ webtile.Tile, box grid.BBox) []int {
	return neighbours(s.grid, s.Closest(box.Width()/float64(s.sourceTile)))
}

// Closest returns the addressable level whose resolution is numerically
// closest to res.
func (s *ResolutionMatch) Closest(res float64) int {
	best, bestDiff := -1, math.Inf(1)
	for _, level := range s.grid.Levels() {
		r, _ := s.grid.Resolution(level)
		if diff := math.Abs(r - res); diff < bestDiff {
			best, bestDiff = level, diff
		}
	}
	return best
}

// DefaultZoomTable maps Web-Mercator zooms to ZMNI LKS-92 levels for
// 256 pixel source tiles around 57°N.
var DefaultZoomTable = map[uint32]int{
	6:  0,
	7:  1,
	8:  2,
	9:  3,
	10: 4,
	11: 4,
	12: 5,
	13: 7,
	14: 9,
	15: 11,
	16: 12,
	17: 13,
}

// ZoomMap looks the level up in a fixed zoom table. Zooms beyond the table
// use its nearest end.
type ZoomMap struct {
	grid  *grid.Grid
	table map[uint32]int
	zooms []uint32
}

func NewZoomMap(g *grid.Grid, table map[uint32]int) *ZoomMap {
	zm := &ZoomMap{grid: g, table: table}
	for z := range table {
		zm.zooms = append(zm.zooms, z)
	}
	slices.Sort(zm.zooms)
	return zm
}

func (s *ZoomMap) Name() string { return "zoommap" }

func (s *ZoomMap) Candidates(src webtile.Tile, _ grid.BBox) []int {
	if len(s.zooms) == 0 {
		return nil
	}
	z := src.Z
	if lo := s.zooms[0]; z < lo {
		z = lo
	}
	if hi := s.zooms[len(s.zooms)-1]; z > hi {
		z = hi
	}
	level, ok := s.table[z]
	if !ok {
		// gap in the table, take the next coarser entry
		i, _ := slices.BinarySearch(s.zooms, z)
		level = s.table[s.zooms[max(i-1, 0)]]
	}
	return neighbours(s.grid, level)
}

type chain []LevelSelector

// Chain concatenates the candidates of several selectors in order, without
// repeating a level.
func Chain(selectors ...LevelSelector) LevelSelector {
	return chain(selectors)
}

func (c chain) Name() string {
	name := "chain"
	for _, s := range c {
		name += "+" + s.Name()
	}
	return name
}

func (c chain) Candidates(src webtile.Tile, box grid.BBox) []int {
	var out []int
	for _, s := range c {
		for _, level := range s.Candidates(src, box) {
			if !slices.Contains(out, level) {
				out = append(out, level)
			}
		}
	}
	return out
}
