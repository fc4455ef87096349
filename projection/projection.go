// Package projection transforms coordinates between geodetic lon/lat
// (EPSG:4326) and the projected CRS of a target tile grid.
package projection

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projector converts between the geodetic source system and a projected
// target system. Implementations are stateless and safe for concurrent use.
type Projector interface {
	// ToTarget projects a longitude/latitude pair in degrees to target x/y.
	ToTarget(lon, lat float64) (x, y float64)
	// ToSource is the inverse of ToTarget.
	ToSource(x, y float64) (lon, lat float64)
	// Name returns the CRS identifier, e.g. "EPSG:3059".
	Name() string
}

// ByCode returns the projector for a supported CRS identifier.
func ByCode(code string) (Projector, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "EPSG:3059":
		return LKS92(), nil
	case "EPSG:3857", "EPSG:900913":
		return WebMercator{}, nil
	default:
		return nil, fmt.Errorf("unsupported target crs %q", code)
	}
}

// WebMercator is the spherical Mercator projection used by web maps.
type WebMercator struct{}

func (WebMercator) ToTarget(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p.X(), p.Y()
}

func (WebMercator) ToSource(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p.Lon(), p.Lat()
}

func (WebMercator) Name() string { return "EPSG:3857" }

// Meridional is implemented by projections whose extreme northings along a
// parallel lie on a central meridian.
type Meridional interface {
	CentralMeridian() float64
}

// Bound projects the corners, edge midpoints and centre of a lon/lat bound
// and returns the envelope of the projected points. When p is Meridional and
// its central meridian crosses the bound, the points where it meets the
// northern and southern edges are included too.
func Bound(p Projector, b orb.Bound) orb.Bound {
	minX, minY, maxX, maxY := b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()
	midX, midY := (minX+maxX)/2, (minY+maxY)/2
	pts := []orb.Point{
		{minX, maxY}, {maxX, maxY}, {maxX, minY}, {minX, minY},
		{midX, maxY}, {maxX, midY}, {midX, minY}, {minX, midY},
		{midX, midY},
	}
	if m, ok := p.(Meridional); ok {
		if lon0 := m.CentralMeridian(); lon0 > minX && lon0 < maxX {
			pts = append(pts, orb.Point{lon0, minY}, orb.Point{lon0, maxY})
		}
	}

	x, y := p.ToTarget(pts[0].X(), pts[0].Y())
	out := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x, y}}
	for _, pt := range pts[1:] {
		x, y := p.ToTarget(pt.X(), pt.Y())
		out = out.Extend(orb.Point{x, y})
	}
	return out
}
