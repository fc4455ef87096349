package grid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// twoByTwo splits the LKS-92 extent into a 2x2 grid at level 0.
func twoByTwo(t *testing.T) *Grid {
	t.Helper()
	g, err := New(Definition{
		ID:           "test",
		CRS:          "EPSG:3059",
		Extent:       Extent{XMin: 290000, YMin: 160000, XMax: 780000, YMax: 450000},
		TileWidth:    512,
		TileHeight:   512,
		Format:       "png",
		PathTemplate: "{level}/{col}/{row}",
		Resolutions:  []float64{1000, 500},
		TileRanges: map[int]TileRange{
			0: {XMin: 6, XMax: 7, YMin: 9, YMax: 10},
		},
	})
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	return g
}

func TestTileBoundsEvenSplit(t *testing.T) {
	g := twoByTwo(t)

	testCases := []struct {
		id   TileID
		want BBox
	}{
		{id: TileID{0, 6, 9}, want: BBox{XMin: 290000, YMin: 450000 - 145000, XMax: 290000 + 245000, YMax: 450000}},
		{id: TileID{0, 7, 9}, want: BBox{XMin: 535000, YMin: 305000, XMax: 780000, YMax: 450000}},
		{id: TileID{0, 6, 10}, want: BBox{XMin: 290000, YMin: 160000, XMax: 535000, YMax: 305000}},
		{id: TileID{0, 7, 10}, want: BBox{XMin: 535000, YMin: 160000, XMax: 780000, YMax: 305000}},
	}
	for _, tc := range testCases {
		t.Run(tc.id.String(), func(t *testing.T) {
			got, err := g.TileBounds(tc.id)
			if err != nil {
				t.Fatalf("TileBounds(%v) returned an unexpected error: %v", tc.id, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("TileBounds(%v) mismatch (-want +got):\n%s", tc.id, diff)
			}
		})
	}
}

func TestTileBoundsOutsideRange(t *testing.T) {
	g := twoByTwo(t)
	for _, id := range []TileID{{0, 5, 9}, {0, 8, 9}, {0, 6, 11}, {1, 6, 9}} {
		if _, err := g.TileBounds(id); err == nil {
			t.Errorf("TileBounds(%v) expected an error, but got none", id)
		}
		if g.Valid(id) {
			t.Errorf("Valid(%v) = true, want false", id)
		}
	}
}

func TestAdjacency(t *testing.T) {
	g, err := LoadEmbedded("lks92-zmni")
	if err != nil {
		t.Fatalf("LoadEmbedded() returned an unexpected error: %v", err)
	}
	for _, level := range g.Levels() {
		r, _ := g.Range(level)
		stepX := r.Cols()/5 + 1
		stepY := r.Rows()/5 + 1
		for col := r.XMin; col < r.XMax; col += stepX {
			for row := r.YMin; row < r.YMax; row += stepY {
				here, _ := g.TileBounds(TileID{level, col, row})
				east, _ := g.TileBounds(TileID{level, col + 1, row})
				south, _ := g.TileBounds(TileID{level, col, row + 1})
				if here.XMax != east.XMin {
					t.Fatalf("level %d: tile %d/%d xmax %v != east neighbour xmin %v", level, col, row, here.XMax, east.XMin)
				}
				if here.YMin != south.YMax {
					t.Fatalf("level %d: tile %d/%d ymin %v != south neighbour ymax %v", level, col, row, here.YMin, south.YMax)
				}
			}
		}
		first, _ := g.TileBounds(TileID{level, r.XMin, r.YMin})
		last, _ := g.TileBounds(TileID{level, r.XMax, r.YMax})
		ext := g.Extent()
		if first.XMin != ext.XMin || first.YMax != ext.YMax || last.XMax != ext.XMax || last.YMin != ext.YMin {
			t.Errorf("level %d: corner tiles %v / %v do not span the extent %v", level, first, last, ext)
		}
	}
}

func TestTilesIntersecting(t *testing.T) {
	g := twoByTwo(t)

	testCases := []struct {
		name string
		box  BBox
		want []TileID
	}{
		{
			name: "inside one tile",
			box:  BBox{XMin: 300000, YMin: 400000, XMax: 310000, YMax: 410000},
			want: []TileID{{0, 6, 9}},
		},
		{
			name: "across the middle",
			box:  BBox{XMin: 500000, YMin: 300000, XMax: 600000, YMax: 310000},
			want: []TileID{{0, 6, 9}, {0, 7, 9}, {0, 6, 10}, {0, 7, 10}},
		},
		{
			name: "touching the shared edge only",
			box:  BBox{XMin: 400000, YMin: 400000, XMax: 535000, YMax: 410000},
			want: []TileID{{0, 6, 9}},
		},
		{
			name: "larger than the extent",
			box:  BBox{XMin: 0, YMin: 0, XMax: 1e7, YMax: 1e7},
			want: []TileID{{0, 6, 9}, {0, 7, 9}, {0, 6, 10}, {0, 7, 10}},
		},
		{
			name: "outside",
			box:  BBox{XMin: 800000, YMin: 400000, XMax: 900000, YMax: 410000},
			want: nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := g.TilesIntersecting(0, tc.box)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("TilesIntersecting() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if got := g.TilesIntersecting(1, BBox{XMin: 300000, YMin: 400000, XMax: 310000, YMax: 410000}); got != nil {
		t.Errorf("TilesIntersecting on a level without range = %v, want nil", got)
	}
}

func TestPixelsPerUnit(t *testing.T) {
	g := twoByTwo(t)
	x, y, ok := g.PixelsPerUnit(0)
	if !ok {
		t.Fatal("PixelsPerUnit(0) not ok")
	}
	if x != 512.0/245000 || y != 512.0/145000 {
		t.Errorf("PixelsPerUnit(0) = (%v, %v), want (%v, %v)", x, y, 512.0/245000, 512.0/145000)
	}
	if _, _, ok := g.PixelsPerUnit(3); ok {
		t.Error("PixelsPerUnit(3) ok for an unknown level")
	}
}

func TestPath(t *testing.T) {
	g := twoByTwo(t)
	if got, want := g.Path(TileID{Level: 0, Col: 7, Row: 10}), "0/7/10"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestLoadEmbedded(t *testing.T) {
	ids, err := EmbeddedIDs()
	if err != nil {
		t.Fatalf("EmbeddedIDs() returned an unexpected error: %v", err)
	}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			g, err := LoadEmbedded(id)
			if err != nil {
				t.Fatalf("LoadEmbedded(%q) returned an unexpected error: %v", id, err)
			}
			if g.ID() != id {
				t.Errorf("ID() = %q, want %q", g.ID(), id)
			}
		})
	}

	g, err := LoadEmbedded("lks92-zmni")
	if err != nil {
		t.Fatalf("LoadEmbedded() returned an unexpected error: %v", err)
	}
	if g.NumResolutions() != 14 {
		t.Errorf("NumResolutions() = %d, want 14", g.NumResolutions())
	}
	if w, h := g.TilePixels(); w != 512 || h != 512 {
		t.Errorf("TilePixels() = (%d, %d), want (512, 512)", w, h)
	}
	if len(g.Levels()) != 14 {
		t.Errorf("Levels() = %v, want 14 levels", g.Levels())
	}

	if _, err := LoadEmbedded("does-not-exist"); err == nil {
		t.Error("LoadEmbedded(unknown) expected an error")
	}
}

func TestDefinitionValidation(t *testing.T) {
	valid := `{
		"id": "x", "crs": "EPSG:3059",
		"extent": {"xMin": 0, "yMin": 0, "xMax": 100, "yMax": 100},
		"tileWidth": 256, "tileHeight": 256,
		"resolutions": [2, 1],
		"tileRanges": {"0": {"xMin": 0, "xMax": 1, "yMin": 0, "yMax": 1}}
	}`

	testCases := []struct {
		name        string
		mutate      func(map[string]any)
		errContains string
	}{
		{name: "valid", mutate: func(map[string]any) {}},
		{
			name:        "missing tile size",
			mutate:      func(m map[string]any) { delete(m, "tileWidth") },
			errContains: "TileWidth",
		},
		{
			name:        "inverted extent",
			mutate:      func(m map[string]any) { m["extent"] = map[string]any{"xMin": 100, "yMin": 0, "xMax": 0, "yMax": 100} },
			errContains: "XMax",
		},
		{
			name:        "increasing resolutions",
			mutate:      func(m map[string]any) { m["resolutions"] = []float64{1, 2} },
			errContains: "strictly decrease",
		},
		{
			name: "range without resolution",
			mutate: func(m map[string]any) {
				m["tileRanges"] = map[string]any{"5": map[string]any{"xMin": 0, "xMax": 1, "yMin": 0, "yMax": 1}}
			},
			errContains: "has no resolution",
		},
		{
			name: "inverted range",
			mutate: func(m map[string]any) {
				m["tileRanges"] = map[string]any{"0": map[string]any{"xMin": 3, "xMax": 1, "yMin": 0, "yMax": 1}}
			},
			errContains: "XMax",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var m map[string]any
			if err := json.Unmarshal([]byte(valid), &m); err != nil {
				t.Fatal(err)
			}
			tc.mutate(m)
			data, err := json.Marshal(m)
			if err != nil {
				t.Fatal(err)
			}

			path := filepath.Join(t.TempDir(), "grid.json")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
			g, err := LoadFile(path)
			if tc.errContains == "" {
				if err != nil {
					t.Fatalf("LoadFile() returned an unexpected error: %v", err)
				}
				if g.Format() != "png" {
					t.Errorf("Format() = %q, want the default png", g.Format())
				}
				if got := g.Path(TileID{0, 1, 1}); got != "0/1/1" {
					t.Errorf("Path() = %q, want the default template", got)
				}
				return
			}
			if err == nil {
				t.Fatalf("LoadFile() expected an error containing %q, got none", tc.errContains)
			}
			if !strings.Contains(err.Error(), tc.errContains) {
				t.Errorf("LoadFile() error\n got: %q\nwant to contain: %q", err.Error(), tc.errContains)
			}
		})
	}
}
