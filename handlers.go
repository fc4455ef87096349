package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akhenakh/tileproxy/compositor"
	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/locator"
	"github.com/akhenakh/tileproxy/projection"
	"github.com/akhenakh/tileproxy/upstream"
	"github.com/akhenakh/tileproxy/webtile"
)

var (
	tileRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tileproxy_tile_requests_total",
		Help: "Tile requests by outcome.",
	}, []string{"outcome"})

	tileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileproxy_tile_duration_seconds",
		Help:    "Time to answer a tile request.",
		Buckets: []float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 30},
	})
)

const defaultDiagnosticZoom = 14

// TileServer answers the public HTTP endpoints. All fields are set once at
// startup and shared by every request.
type TileServer struct {
	cfg        Config
	grid       *grid.Grid
	proj       projection.Projector
	locator    locator.Interface
	compositor *compositor.Compositor
	source     upstream.Source
	logger     *slog.Logger
	closers    []func() error
}

func (s *TileServer) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Warn("failed to release resource", "error", err)
		}
	}
}

func (s *TileServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.infoHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /{z}/{x}/{tile}", s.tileHandler)
	if s.cfg.Debug {
		mux.HandleFunc("GET /test/{level}/{x}/{y}", s.testHandler)
	}
	return mux
}

func parseTile(r *http.Request) (webtile.Tile, bool) {
	ys, ok := strings.CutSuffix(r.PathValue("tile"), ".png")
	if !ok {
		return webtile.Tile{}, false
	}
	var v [3]uint64
	for i, s := range []string{r.PathValue("z"), r.PathValue("x"), ys} {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return webtile.Tile{}, false
		}
		v[i] = n
	}
	return webtile.Tile{Z: uint32(v[0]), X: uint32(v[1]), Y: uint32(v[2])}, true
}

func (s *TileServer) tileHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { tileDuration.Observe(time.Since(start).Seconds()) }()

	w.Header().Set("Access-Control-Allow-Origin", "*")

	t, ok := parseTile(r)
	if !ok {
		tileRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}
	logger := s.logger.With("tile", t.String())

	plan, err := s.locator.Locate(t)
	if err == nil {
		var res *compositor.Result
		res, err = s.compositor.Compose(r.Context(), plan)
		if err == nil {
			s.writeTile(w, logger, plan, res)
			return
		}
	}

	switch {
	case errors.Is(err, locator.ErrNoCoverage):
		tileRequests.WithLabelValues("not_covered").Inc()
		logger.Debug("tile outside coverage")
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		tileRequests.WithLabelValues("canceled").Inc()
		logger.Debug("client went away")
	default:
		tileRequests.WithLabelValues("error").Inc()
		logger.Error("failed to build tile", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *TileServer) writeTile(w http.ResponseWriter, logger *slog.Logger, plan *locator.Plan, res *compositor.Result) {
	outcome := "ok"
	switch {
	case res.Empty:
		outcome = "empty"
	case len(res.Failed) > 0:
		outcome = "partial"
	}
	tileRequests.WithLabelValues(outcome).Inc()

	logger.Debug("tile composed",
		"level", plan.Level,
		"tiles", len(plan.Tiles),
		"failed", len(res.Failed),
	)

	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Content-Length", strconv.Itoa(len(res.PNG)))
	if len(res.Failed) > 0 {
		h.Set("X-Tile-Partial", strconv.Itoa(len(res.Failed)))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.PNG); err != nil {
		logger.Debug("failed to write tile", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *TileServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": appName})
}

type infoResponse struct {
	Service        string `json:"service"`
	Description    string `json:"description"`
	Usage          string `json:"usage"`
	SourceCRS      string `json:"source_crs"`
	TargetCRS      string `json:"target_crs"`
	TileSize       int    `json:"tile_size"`
	OutputTileSize int    `json:"output_tile_size"`
	ZoomLevels     int    `json:"zoom_levels"`
	Grid           string `json:"grid"`
}

func (s *TileServer) infoHandler(w http.ResponseWriter, _ *http.Request) {
	tw, _ := s.grid.TilePixels()
	writeJSON(w, http.StatusOK, infoResponse{
		Service:        appName,
		Description:    "Reprojects " + s.grid.Title() + " tiles to Web-Mercator",
		Usage:          "/{z}/{x}/{y}.png",
		SourceCRS:      "EPSG:3857",
		TargetCRS:      s.proj.Name(),
		TileSize:       tw,
		OutputTileSize: s.cfg.OutputTileSize,
		ZoomLevels:     s.grid.NumResolutions(),
		Grid:           s.grid.ID(),
	})
}

type lonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type diagnostics struct {
	Tile           grid.TileID    `json:"tile"`
	Valid          bool           `json:"valid"`
	Range          grid.TileRange `json:"valid_range"`
	Resolution     float64        `json:"resolution"`
	TileWidth      float64        `json:"tile_width_m"`
	TileHeight     float64        `json:"tile_height_m"`
	Bounds         *grid.BBox     `json:"bounds,omitempty"`
	Corners        []lonLat       `json:"corners,omitempty"`
	SourceZoom     uint32         `json:"source_zoom"`
	SourceTiles    *webtile.Range `json:"source_tiles,omitempty"`
	UpstreamURL    string         `json:"upstream_url,omitempty"`
	UpstreamStatus int            `json:"upstream_status,omitempty"`
	ProbeError     string         `json:"probe_error,omitempty"`
}

// testHandler reports how a target tile maps back onto the source grid.
func (s *TileServer) testHandler(w http.ResponseWriter, r *http.Request) {
	var v [3]int
	for i, name := range []string{"level", "x", "y"} {
		n, err := strconv.Atoi(r.PathValue(name))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
			return
		}
		v[i] = n
	}
	id := grid.TileID{Level: v[0], Col: v[1], Row: v[2]}

	rng, ok := s.grid.Range(id.Level)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "level " + strconv.Itoa(id.Level) + " is not addressable"})
		return
	}
	res, _ := s.grid.Resolution(id.Level)
	tw, th, _ := s.grid.TileSize(id.Level)

	zoom := uint32(defaultDiagnosticZoom)
	if zs := r.URL.Query().Get("zoom"); zs != "" {
		z, err := strconv.ParseUint(zs, 10, 32)
		if err != nil || z > webtile.MaxZoom {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid zoom"})
			return
		}
		zoom = uint32(z)
	}

	d := diagnostics{
		Tile:       id,
		Valid:      s.grid.Valid(id),
		Range:      rng,
		Resolution: res,
		TileWidth:  tw,
		TileHeight: th,
		SourceZoom: zoom,
	}

	if b, err := s.grid.TileBounds(id); err == nil {
		d.Bounds = &b
		geo := webtile.BBox{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
		for _, p := range [][2]float64{{b.XMin, b.YMax}, {b.XMax, b.YMax}, {b.XMax, b.YMin}, {b.XMin, b.YMin}} {
			lon, lat := s.proj.ToSource(p[0], p[1])
			d.Corners = append(d.Corners, lonLat{Lon: lon, Lat: lat})
			geo.West, geo.East = math.Min(geo.West, lon), math.Max(geo.East, lon)
			geo.South, geo.North = math.Min(geo.South, lat), math.Max(geo.North, lat)
		}
		tiles := webtile.TilesCovering(geo, zoom)
		d.SourceTiles = &tiles
	}

	if r.URL.Query().Get("probe") == "true" && s.source != nil {
		if hf, ok := s.source.(*upstream.HTTPFetcher); ok {
			d.UpstreamURL = hf.URL(id)
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UpstreamTimeout)
		defer cancel()
		code, err := s.source.Probe(ctx, id)
		if err != nil {
			d.ProbeError = err.Error()
		}
		d.UpstreamStatus = code
	}

	writeJSON(w, http.StatusOK, d)
}
