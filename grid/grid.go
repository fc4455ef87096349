// Package grid indexes a fixed rectangular tile grid in a projected CRS:
// a bounded coverage extent, a resolution ladder, and per level a window of
// valid tile indices. The extent is split evenly into the tile count of that
// window, row 0 at the north edge.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ErrInvalidTile is returned for tiles outside their level's valid range
// or on levels the grid does not address.
var ErrInvalidTile = errors.New("tile outside the valid grid range")

// TileID identifies one target grid tile.
type TileID struct {
	Level int `json:"level"`
	Col   int `json:"col"`
	Row   int `json:"row"`
}

func (t TileID) String() string { return fmt.Sprintf("%d/%d/%d", t.Level, t.Col, t.Row) }

// BBox is a box in projected CRS units.
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// FromBound converts an orb.Bound whose points carry projected x/y.
func FromBound(b orb.Bound) BBox {
	return BBox{XMin: b.Min.X(), YMin: b.Min.Y(), XMax: b.Max.X(), YMax: b.Max.Y()}
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.XMin, b.YMin}, Max: orb.Point{b.XMax, b.YMax}}
}

func (b BBox) Width() float64  { return b.XMax - b.XMin }
func (b BBox) Height() float64 { return b.YMax - b.YMin }

// Empty reports whether the box has no area.
func (b BBox) Empty() bool { return !(b.XMin < b.XMax && b.YMin < b.YMax) }

// Intersects reports whether the two boxes share a region of positive area.
// Boxes that only touch along an edge do not intersect.
func (b BBox) Intersects(o BBox) bool {
	return b.XMin < o.XMax && o.XMin < b.XMax && b.YMin < o.YMax && o.YMin < b.YMax
}

// Union returns the smallest box containing both.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		XMin: math.Min(b.XMin, o.XMin),
		YMin: math.Min(b.YMin, o.YMin),
		XMax: math.Max(b.XMax, o.XMax),
		YMax: math.Max(b.YMax, o.YMax),
	}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%f %f, %f %f]", b.XMin, b.YMin, b.XMax, b.YMax)
}

// Grid is immutable after New and safe to share between goroutines.
type Grid struct {
	id           string
	title        string
	crs          string
	extent       BBox
	tileWidth    int
	tileHeight   int
	format       string
	pathTemplate string
	resolutions  []float64
	ranges       map[int]TileRange
	levels       []int
}

// New validates def and builds the grid index.
func New(def Definition) (*Grid, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	g := &Grid{
		id:    def.ID,
		title: def.Title,
		crs:   def.CRS,
		extent: BBox{
			XMin: def.Extent.XMin,
			YMin: def.Extent.YMin,
			XMax: def.Extent.XMax,
			YMax: def.Extent.YMax,
		},
		tileWidth:    def.TileWidth,
		tileHeight:   def.TileHeight,
		format:       def.Format,
		pathTemplate: def.PathTemplate,
		resolutions:  append([]float64(nil), def.Resolutions...),
		ranges:       make(map[int]TileRange, len(def.TileRanges)),
	}
	for level, r := range def.TileRanges {
		g.ranges[level] = r
		g.levels = append(g.levels, level)
	}
	sort.Ints(g.levels)
	return g, nil
}

func (g *Grid) ID() string    { return g.id }
func (g *Grid) Title() string { return g.title }
func (g *Grid) CRS() string   { return g.crs }

// Format is the upstream image format, e.g. "png".
func (g *Grid) Format() string { return g.format }

// Extent returns the coverage extent.
func (g *Grid) Extent() BBox { return g.extent }

// TilePixels returns the pixel size of one upstream tile.
func (g *Grid) TilePixels() (w, h int) { return g.tileWidth, g.tileHeight }

// Levels returns the addressable levels in ascending order.
func (g *Grid) Levels() []int { return append([]int(nil), g.levels...) }

// NumResolutions returns the length of the resolution ladder.
func (g *Grid) NumResolutions() int { return len(g.resolutions) }

// Resolutions returns a copy of the resolution ladder.
func (g *Grid) Resolutions() []float64 { return append([]float64(nil), g.resolutions...) }

// Resolution returns the ladder entry for level.
func (g *Grid) Resolution(level int) (float64, bool) {
	if level < 0 || level >= len(g.resolutions) {
		return 0, false
	}
	return g.resolutions[level], true
}

// Range returns the valid tile window of level.
func (g *Grid) Range(level int) (TileRange, bool) {
	r, ok := g.ranges[level]
	return r, ok
}

// Valid reports whether id is addressable.
func (g *Grid) Valid(id TileID) bool {
	r, ok := g.ranges[id.Level]
	return ok && r.Contains(id.Col, id.Row)
}

// TileSize returns the side lengths of one tile at level in CRS units.
func (g *Grid) TileSize(level int) (w, h float64, ok bool) {
	r, ok := g.ranges[level]
	if !ok {
		return 0, 0, false
	}
	return g.extent.Width() / float64(r.Cols()), g.extent.Height() / float64(r.Rows()), true
}

// PixelsPerUnit returns how many upstream pixels cover one CRS unit at
// level along each axis.
func (g *Grid) PixelsPerUnit(level int) (x, y float64, ok bool) {
	w, h, ok := g.TileSize(level)
	if !ok {
		return 0, 0, false
	}
	return float64(g.tileWidth) / w, float64(g.tileHeight) / h, true
}

// xEdge and yEdge return the position of the step-th grid line of a level.
// Both neighbours of a line are computed through the same call so that
// adjacent tiles abut exactly.
func (g *Grid) xEdge(r TileRange, step int) float64 {
	switch step {
	case 0:
		return g.extent.XMin
	case r.Cols():
		return g.extent.XMax
	}
	return g.extent.XMin + float64(step)*g.extent.Width()/float64(r.Cols())
}

func (g *Grid) yEdge(r TileRange, step int) float64 {
	switch step {
	case 0:
		return g.extent.YMax
	case r.Rows():
		return g.extent.YMin
	}
	return g.extent.YMax - float64(step)*g.extent.Height()/float64(r.Rows())
}

// TileBounds returns the projected box of a tile.
func (g *Grid) TileBounds(id TileID) (BBox, error) {
	r, ok := g.ranges[id.Level]
	if !ok || !r.Contains(id.Col, id.Row) {
		return BBox{}, fmt.Errorf("%w: %s", ErrInvalidTile, id)
	}
	cs, rs := id.Col-r.XMin, id.Row-r.YMin
	return BBox{
		XMin: g.xEdge(r, cs),
		XMax: g.xEdge(r, cs+1),
		YMax: g.yEdge(r, rs),
		YMin: g.yEdge(r, rs+1),
	}, nil
}

// TilesIntersecting returns, row by row, every valid tile at level whose
// box shares a positive area with box. Tiles outside the valid window are
// never produced.
func (g *Grid) TilesIntersecting(level int, box BBox) []TileID {
	r, ok := g.ranges[level]
	if !ok || box.Empty() || !box.Intersects(g.extent) {
		return nil
	}
	w, h, _ := g.TileSize(level)

	c0 := clampInt(int(math.Floor((box.XMin-g.extent.XMin)/w)), 0, r.Cols()-1)
	c1 := clampInt(int(math.Ceil((box.XMax-g.extent.XMin)/w))-1, 0, r.Cols()-1)
	r0 := clampInt(int(math.Floor((g.extent.YMax-box.YMax)/h)), 0, r.Rows()-1)
	r1 := clampInt(int(math.Ceil((g.extent.YMax-box.YMin)/h))-1, 0, r.Rows()-1)

	var tiles []TileID
	// widen by one step so float noise in the index arithmetic cannot drop
	// a tile; the exact box test below filters the extras
	for rs := max(r0-1, 0); rs <= min(r1+1, r.Rows()-1); rs++ {
		for cs := max(c0-1, 0); cs <= min(c1+1, r.Cols()-1); cs++ {
			tb := BBox{
				XMin: g.xEdge(r, cs),
				XMax: g.xEdge(r, cs+1),
				YMax: g.yEdge(r, rs),
				YMin: g.yEdge(r, rs+1),
			}
			if tb.Intersects(box) {
				tiles = append(tiles, TileID{Level: level, Col: r.XMin + cs, Row: r.YMin + rs})
			}
		}
	}
	return tiles
}

// Path fills the upstream path template for id.
func (g *Grid) Path(id TileID) string {
	return strings.NewReplacer(
		"{level}", strconv.Itoa(id.Level),
		"{col}", strconv.Itoa(id.Col),
		"{row}", strconv.Itoa(id.Row),
	).Replace(g.pathTemplate)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
