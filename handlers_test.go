package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileproxy/compositor"
	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/locator"
	"github.com/akhenakh/tileproxy/projection"
	"github.com/akhenakh/tileproxy/upstream"
)

// fakeSource serves one solid tile for every index except the missing ones.
type fakeSource struct {
	tile    []byte
	mu      sync.Mutex
	missing map[grid.TileID]bool
	broken  bool
}

func (f *fakeSource) Fetch(_ context.Context, id grid.TileID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return []byte("garbage"), nil
	}
	if f.missing[id] {
		return nil, upstream.ErrNotFound
	}
	return f.tile, nil
}

func (f *fakeSource) Probe(_ context.Context, id grid.TileID) (int, error) {
	if f.missing[id] {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}

func (f *fakeSource) Close() error { return nil }

func solidTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewUniform(color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	dst := image.NewNRGBA(image.Rect(0, 0, 512, 512))
	for y := range 512 {
		for x := range 512 {
			dst.Set(x, y, img.C)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, dst))
	return buf.Bytes()
}

func newTestServer(t *testing.T, debug bool, src *fakeSource) *TileServer {
	t.Helper()
	g, err := grid.LoadEmbedded("lks92-zmni")
	require.NoError(t, err)
	proj := projection.LKS92()
	cfg := Config{Debug: debug, OutputTileSize: 256, UpstreamTimeout: 5 * time.Second}

	loc := locator.NewCached(locator.New(g, proj, locator.NewResolutionMatch(g, 256)), 100, 10)
	t.Cleanup(loc.Stop)

	return &TileServer{
		cfg:        cfg,
		grid:       g,
		proj:       proj,
		locator:    loc,
		compositor: compositor.New(g, src, compositor.Options{OutputSize: 256}, slog.Default()),
		source:     src,
		logger:     slog.Default(),
	}
}

func TestTileHandler(t *testing.T) {
	tile := solidTile(t)

	testCases := []struct {
		name        string
		path        string
		src         *fakeSource
		wantStatus  int
		wantPartial string
	}{
		{name: "riga", path: "/14/9289/5023.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusOK},
		{
			name:        "riga with a missing constituent",
			path:        "/14/9289/5023.png",
			src:         &fakeSource{tile: tile, missing: map[grid.TileID]bool{{Level: 9, Col: 2077, Row: 1360}: true}},
			wantStatus:  http.StatusOK,
			wantPartial: "1",
		},
		{name: "outside coverage", path: "/10/512/512.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusNotFound},
		{name: "invalid world tile", path: "/31/0/0.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusNotFound},
		{name: "column beyond zoom", path: "/2/9/1.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusNotFound},
		{name: "not a number", path: "/abc/1/2.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusBadRequest},
		{name: "negative", path: "/14/-1/2.png", src: &fakeSource{tile: tile}, wantStatus: http.StatusBadRequest},
		{name: "wrong extension", path: "/14/9289/5023.jpg", src: &fakeSource{tile: tile}, wantStatus: http.StatusBadRequest},
		{name: "undecodable upstream tile", path: "/14/9289/5023.png", src: &fakeSource{broken: true}, wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, false, tc.src).Handler()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			if tc.wantStatus == http.StatusBadRequest {
				return
			}
			require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			if tc.wantStatus != http.StatusOK {
				return
			}

			require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
			require.Equal(t, tc.wantPartial, rec.Header().Get("X-Tile-Partial"))

			img, err := png.Decode(rec.Body)
			require.NoError(t, err)
			require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
		})
	}
}

func TestHealthHandler(t *testing.T) {
	h := newTestServer(t, false, &fakeSource{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, map[string]string{"status": "ok", "service": appName}, body)
}

func TestInfoHandler(t *testing.T) {
	h := newTestServer(t, false, &fakeSource{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var info infoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Equal(t, "EPSG:3059", info.TargetCRS)
	require.Equal(t, "EPSG:3857", info.SourceCRS)
	require.Equal(t, 512, info.TileSize)
	require.Equal(t, 256, info.OutputTileSize)
	require.Equal(t, 14, info.ZoomLevels)
	require.Equal(t, "lks92-zmni", info.Grid)
}

func TestDiagnosticsHandler(t *testing.T) {
	src := &fakeSource{missing: map[grid.TileID]bool{{Level: 9, Col: 2077, Row: 1360}: true}}

	t.Run("disabled without debug", func(t *testing.T) {
		h := newTestServer(t, false, src).Handler()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/9/2076/1360", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	h := newTestServer(t, true, src).Handler()

	t.Run("valid tile", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/9/2076/1360?zoom=14", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var d diagnostics
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
		require.True(t, d.Valid)
		require.NotNil(t, d.Bounds)
		require.Len(t, d.Corners, 4)
		require.NotNil(t, d.SourceTiles)
		require.EqualValues(t, 14, d.SourceTiles.Z)
		// the Riga tile 14/9289/5023 overlaps this target tile
		require.LessOrEqual(t, d.SourceTiles.MinX, uint32(9289))
		require.GreaterOrEqual(t, d.SourceTiles.MaxX, uint32(9289))
		require.LessOrEqual(t, d.SourceTiles.MinY, uint32(5023))
		require.GreaterOrEqual(t, d.SourceTiles.MaxY, uint32(5023))
		require.Zero(t, d.UpstreamStatus)
	})

	t.Run("probe", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/9/2077/1360?probe=true", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var d diagnostics
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
		require.Equal(t, http.StatusNotFound, d.UpstreamStatus)
	})

	t.Run("outside range", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/9/1/1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var d diagnostics
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
		require.False(t, d.Valid)
		require.Nil(t, d.Bounds)
	})

	t.Run("unknown level", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test/42/1/1", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNewSelector(t *testing.T) {
	g, err := grid.LoadEmbedded("lks92-zmni")
	require.NoError(t, err)

	for strategy, want := range map[string]string{
		"resolution": "resolution",
		"ZoomMap":    "zoommap",
		"chain":      "chain+resolution+zoommap",
	} {
		s, err := newSelector(strategy, g, 256)
		require.NoError(t, err)
		require.Equal(t, want, s.Name())
	}

	_, err = newSelector("bogus", g, 256)
	require.Error(t, err)
}

func TestCreateLogger(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"nope":  slog.LevelInfo,
	} {
		l := createLogger(Config{LogLevel: level}, appName)
		require.True(t, l.Enabled(context.Background(), want))
		require.False(t, l.Enabled(context.Background(), want-1))
	}
}
