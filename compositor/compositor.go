// Package compositor assembles located target tiles into one output tile.
package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"time"

	// decoders for the upstream formats
	_ "image/jpeg"

	"github.com/prometheus/client_golang/prometheus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/locator"
	"github.com/akhenakh/tileproxy/upstream"
)

var compositeTiles = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "tileproxy_composite_tiles",
	Help:    "Number of target tiles assembled per output tile.",
	Buckets: []float64{1, 2, 4, 6, 9, 12, 16, 25},
})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{compositeTiles}
}

type Options struct {
	// OutputSize is the side of the produced tile in pixels.
	OutputSize int
	// MaxCanvas caps each side of the working canvas in pixels.
	MaxCanvas    int
	Workers      int
	FetchTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.OutputSize <= 0 {
		o.OutputSize = 256
	}
	if o.MaxCanvas <= 0 {
		o.MaxCanvas = 2048
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
}

// Result is one composed tile. Failed lists the tiles whose fetch failed;
// their area is left transparent.
type Result struct {
	PNG     []byte
	Fetched []grid.TileID
	Failed  []grid.TileID
	// Empty is set when no constituent tile could be fetched.
	Empty bool
}

type Compositor struct {
	grid    *grid.Grid
	fetcher upstream.Fetcher
	opts    Options
	logger  *slog.Logger
}

func New(g *grid.Grid, f upstream.Fetcher, opts Options, logger *slog.Logger) *Compositor {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{grid: g, fetcher: f, opts: opts, logger: logger}
}

// canvas maps projected coordinates onto an RGBA image whose top-left pixel
// sits at (originX, originY).
type canvas struct {
	img              *image.RGBA
	originX, originY float64
	ppmX, ppmY       float64
}

func (c *canvas) px(x float64) float64 { return (x - c.originX) * c.ppmX }
func (c *canvas) py(y float64) float64 { return (c.originY - y) * c.ppmY }

// rect returns the pixel rectangle of a projected box, edges rounded.
func (c *canvas) rect(b grid.BBox) image.Rectangle {
	return image.Rect(
		int(math.Round(c.px(b.XMin))), int(math.Round(c.py(b.YMax))),
		int(math.Round(c.px(b.XMax))), int(math.Round(c.py(b.YMin))),
	)
}

func (c *Compositor) newCanvas(plan *locator.Plan) (*canvas, map[grid.TileID]grid.BBox, error) {
	boxes := make(map[grid.TileID]grid.BBox, len(plan.Tiles))
	var union grid.BBox
	for i, id := range plan.Tiles {
		b, err := c.grid.TileBounds(id)
		if err != nil {
			return nil, nil, err
		}
		boxes[id] = b
		if i == 0 {
			union = b
		} else {
			union = union.Union(b)
		}
	}

	ppmX, ppmY, ok := c.grid.PixelsPerUnit(plan.Level)
	if !ok {
		return nil, nil, fmt.Errorf("%w: level %d", grid.ErrInvalidTile, plan.Level)
	}
	w := math.Round(union.Width() * ppmX)
	h := math.Round(union.Height() * ppmY)
	if limit := float64(c.opts.MaxCanvas); w > limit || h > limit {
		scale := limit / math.Max(w, h)
		ppmX *= scale
		ppmY *= scale
		w = math.Round(union.Width() * ppmX)
		h = math.Round(union.Height() * ppmY)
	}

	return &canvas{
		img:     image.NewRGBA(image.Rect(0, 0, max(int(w), 1), max(int(h), 1))),
		originX: union.XMin,
		originY: union.YMax,
		ppmX:    ppmX,
		ppmY:    ppmY,
	}, boxes, nil
}

// Compose fetches every tile of plan, pastes them onto a canvas and cuts the
// source tile's footprint out of it at the output size.
func (c *Compositor) Compose(ctx context.Context, plan *locator.Plan) (*Result, error) {
	if plan == nil || len(plan.Tiles) == 0 {
		return nil, locator.ErrNoCoverage
	}
	compositeTiles.Observe(float64(len(plan.Tiles)))

	cv, boxes, err := c.newCanvas(plan)
	if err != nil {
		return nil, err
	}

	fetched := make([]bool, len(plan.Tiles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, id := range plan.Tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fctx, cancel := context.WithTimeout(gctx, c.opts.FetchTimeout)
			defer cancel()

			data, err := c.fetcher.Fetch(fctx, id)
			if err != nil {
				// a client going away is not an upstream problem
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("upstream fetch failed", "tile", id.String(), "error", err)
				return nil
			}
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("decoding tile %s: %w", id, err)
			}

			dst := cv.rect(boxes[id])
			if dst.Min.X < 0 || dst.Min.Y < 0 {
				c.logger.Warn("tile placed outside the canvas, skipped", "tile", id.String(), "offset", dst.Min.String())
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if dst.Size() == img.Bounds().Size() {
				xdraw.Draw(cv.img, dst, img, img.Bounds().Min, xdraw.Src)
			} else {
				xdraw.CatmullRom.Scale(cv.img, dst, img, img.Bounds(), xdraw.Src, nil)
			}
			fetched[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for i, id := range plan.Tiles {
		if fetched[i] {
			res.Fetched = append(res.Fetched, id)
		} else {
			res.Failed = append(res.Failed, id)
		}
	}
	res.Empty = len(res.Fetched) == 0

	out := image.NewRGBA(image.Rect(0, 0, c.opts.OutputSize, c.opts.OutputSize))
	if crop, ok := cv.crop(plan.TargetBox); ok {
		xdraw.CatmullRom.Scale(out, out.Bounds(), cv.img, crop, xdraw.Src, nil)
	} else {
		c.logger.Debug("degenerate crop, returning a transparent tile", "source", plan.Source.String())
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding tile %s: %w", plan.Source, err)
	}
	res.PNG = buf.Bytes()
	return res, nil
}

// crop returns the canvas pixels covered by box, clamped to the canvas.
func (c *canvas) crop(box grid.BBox) (image.Rectangle, bool) {
	r := image.Rect(
		int(math.Floor(c.px(box.XMin))), int(math.Floor(c.py(box.YMax))),
		int(math.Ceil(c.px(box.XMax))), int(math.Ceil(c.py(box.YMin))),
	).Intersect(c.img.Bounds())
	return r, !r.Empty()
}
