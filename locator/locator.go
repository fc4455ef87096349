// Package locator finds the target grid tiles covering a source web tile.
package locator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/projection"
	"github.com/akhenakh/tileproxy/webtile"
)

// ErrNoCoverage means the source tile does not intersect the coverage
// extent, or no candidate level produced a valid intersecting tile.
var ErrNoCoverage = errors.New("tile outside coverage")

// Plan is the outcome of locating one source tile. Plans may be shared
// between requests through the cache and must not be modified.
type Plan struct {
	Source    webtile.Tile  `json:"source"`
	Level     int           `json:"level"`
	Tiles     []grid.TileID `json:"tiles"`
	SourceBox webtile.BBox  `json:"source_bbox"`
	TargetBox grid.BBox     `json:"target_bbox"`
}

// Interface is satisfied by Locator and Cached.
type Interface interface {
	Locate(src webtile.Tile) (*Plan, error)
}

type Locator struct {
	grid     *grid.Grid
	proj     projection.Projector
	selector LevelSelector
}

func New(g *grid.Grid, p projection.Projector, selector LevelSelector) *Locator {
	return &Locator{grid: g, proj: p, selector: selector}
}

func (l *Locator) Grid() *grid.Grid                { return l.grid }
func (l *Locator) Projector() projection.Projector { return l.proj }
func (l *Locator) Selector() LevelSelector         { return l.selector }

// TargetBox projects the source tile's corners and centre and returns their
// envelope in target coordinates.
func (l *Locator) TargetBox(src webtile.Tile) grid.BBox {
	return grid.FromBound(projection.Bound(l.proj, src.Bounds().Bound()))
}

// Locate selects a level and enumerates the tiles covering src.
func (l *Locator) Locate(src webtile.Tile) (*Plan, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("%w: %s is not a valid tile", ErrNoCoverage, src)
	}
	box := l.TargetBox(src)
	if !finite(box) {
		return nil, fmt.Errorf("%w: %s does not project to finite coordinates", ErrNoCoverage, src)
	}
	if !box.Intersects(l.grid.Extent()) {
		return nil, ErrNoCoverage
	}

	for _, level := range l.selector.Candidates(src, box) {
		tiles := l.grid.TilesIntersecting(level, box)
		if len(tiles) > 0 {
			return &Plan{
				Source:    src,
				Level:     level,
				Tiles:     tiles,
				SourceBox: src.Bounds(),
				TargetBox: box,
			}, nil
		}
	}
	return nil, ErrNoCoverage
}

func finite(b grid.BBox) bool {
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Cached memoizes plans, including negative results. Plans depend only on
// the request and the immutable grid, so entries never go stale; the TTL
// only bounds memory held by rarely requested tiles.
type Cached struct {
	next  *Locator
	cache *ccache.Cache[*Plan]
	ttl   time.Duration
}

func NewCached(l *Locator, maxSize int64, itemsToPrune uint32) *Cached {
	return &Cached{
		next:  l,
		cache: ccache.New(ccache.Configure[*Plan]().MaxSize(maxSize).ItemsToPrune(itemsToPrune)),
		ttl:   time.Hour,
	}
}

func (c *Cached) Locate(src webtile.Tile) (*Plan, error) {
	key := strconv.FormatUint(uint64(src.Z), 10) + "/" +
		strconv.FormatUint(uint64(src.X), 10) + "/" +
		strconv.FormatUint(uint64(src.Y), 10)

	if item := c.cache.Get(key); item != nil && !item.Expired() {
		if item.Value() == nil {
			return nil, ErrNoCoverage
		}
		return item.Value(), nil
	}

	plan, err := c.next.Locate(src)
	switch {
	case errors.Is(err, ErrNoCoverage):
		c.cache.Set(key, nil, c.ttl)
	case err == nil:
		c.cache.Set(key, plan, c.ttl)
	}
	return plan, err
}

// Stop releases the cache's background worker.
func (c *Cached) Stop() { c.cache.Stop() }
