// Package webtile converts between slippy map tile indices (z/x/y) and
// geographic longitude/latitude using the spherical Web-Mercator scheme.
package webtile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxZoom is the deepest zoom level accepted in requests.
const MaxZoom = 30

// Tile identifies one source quad-tree tile.
type Tile struct {
	Z uint32
	X uint32
	Y uint32
}

// Valid reports whether the column and row lie inside [0, 2^z).
func (t Tile) Valid() bool {
	if t.Z > MaxZoom {
		return false
	}
	n := uint64(1) << t.Z
	return uint64(t.X) < n && uint64(t.Y) < n
}

func (t Tile) String() string { return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y) }

// BBox is a geodetic bounding box in degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Bound returns the box as an orb.Bound with lon/lat points.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Center returns the lon/lat midpoint of the box.
func (b BBox) Center() (lon, lat float64) {
	return (b.West + b.East) / 2, (b.South + b.North) / 2
}

// Corners returns the four corners as lon/lat points in NW, NE, SE, SW order.
func (b BBox) Corners() [4]orb.Point {
	return [4]orb.Point{
		{b.West, b.North},
		{b.East, b.North},
		{b.East, b.South},
		{b.West, b.South},
	}
}

// TileToDegrees returns the latitude and longitude of the north-west corner
// of the tile at (col, row). Fractional indices address points inside a tile.
func TileToDegrees(col, row float64, zoom uint32) (lat, lon float64) {
	n := math.Exp2(float64(zoom))
	lon = col/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*row/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lon
}

// DegreesToTile returns the tile containing lat/lon at the given zoom.
// Results for latitudes near the poles are undefined.
func DegreesToTile(lat, lon float64, zoom uint32) (col, row int64) {
	fcol, frow := degreesToFractional(lat, lon, zoom)
	return floorSnap(fcol), floorSnap(frow)
}

// floorSnap floors v, first snapping values within float noise of an
// integer so that tile corners map back onto their own tile.
func floorSnap(v float64) int64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-6 {
		return int64(r)
	}
	return int64(math.Floor(v))
}

func degreesToFractional(lat, lon float64, zoom uint32) (col, row float64) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180.0
	col = (lon + 180.0) / 360.0 * n
	row = (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n
	return col, row
}

// TileBounds returns the geodetic bounds of a tile, the north-west corner
// coming from (col, row) and the south-east corner from (col+1, row+1).
func TileBounds(col, row, zoom uint32) BBox {
	north, west := TileToDegrees(float64(col), float64(row), zoom)
	south, east := TileToDegrees(float64(col)+1, float64(row)+1, zoom)
	return BBox{West: west, South: south, East: east, North: north}
}

// Bounds is a shortcut for TileBounds(t.X, t.Y, t.Z).
func (t Tile) Bounds() BBox { return TileBounds(t.X, t.Y, t.Z) }

// Range is an inclusive range of tile columns and rows at one zoom.
type Range struct {
	Z    uint32 `json:"z"`
	MinX uint32 `json:"min_x"`
	MaxX uint32 `json:"max_x"`
	MinY uint32 `json:"min_y"`
	MaxY uint32 `json:"max_y"`
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	return int(r.MaxX-r.MinX+1) * int(r.MaxY-r.MinY+1)
}

// TilesCovering returns the tile range covering box at zoom, clamped to the
// valid index space. Tiles that only touch the box on an edge are excluded.
func TilesCovering(box BBox, zoom uint32) Range {
	maxIdx := float64(uint64(1)<<zoom) - 1
	minCol, minRow := degreesToFractional(box.North, box.West, zoom)
	maxCol, maxRow := degreesToFractional(box.South, box.East, zoom)

	clamp := func(v float64) uint32 {
		return uint32(math.Max(0, math.Min(maxIdx, v)))
	}
	return Range{
		Z:    zoom,
		MinX: clamp(float64(floorSnap(minCol))),
		MaxX: clamp(float64(-floorSnap(-maxCol) - 1)),
		MinY: clamp(float64(floorSnap(minRow))),
		MaxY: clamp(float64(-floorSnap(-maxRow) - 1)),
	}
}
