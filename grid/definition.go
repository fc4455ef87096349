package grid

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

//go:embed definitions/*.json
var embeddedDefinitionsFS embed.FS

// Definition is the JSON description of a target tile grid. It is only the
// input format; use New to obtain an immutable Grid.
type Definition struct {
	ID          string `validate:"required" json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// CRS of the projected system, e.g. "EPSG:3059"
	CRS string `validate:"required" json:"crs"`
	// Bounding box of the whole data source in CRS units
	Extent Extent `validate:"required" json:"extent"`
	// Informational tile matrix origin as published by the upstream server
	Origin *Point `json:"origin,omitempty"`
	// Pixel size of one upstream tile. Required, there is no sensible default.
	TileWidth  int `validate:"required,min=1,max=4096" json:"tileWidth"`
	TileHeight int `validate:"required,min=1,max=4096" json:"tileHeight"`
	// Image format served by the upstream
	Format string `default:"png" validate:"oneof=png jpg jpeg" json:"format"`
	// Upstream path below the base URL; placeholders {level}, {col} and {row}
	PathTemplate string `default:"{level}/{col}/{row}" validate:"required,contains={level}" json:"pathTemplate"`
	// Ground resolution per level in CRS units per pixel, finest last
	Resolutions []float64 `validate:"required,min=1,dive,gt=0" json:"resolutions"`
	// Valid tile index window per addressable level
	TileRanges map[int]TileRange `validate:"required,min=1,dive" json:"tileRanges"`
}

type Extent struct {
	XMin float64 `json:"xMin"`
	YMin float64 `json:"yMin"`
	XMax float64 `validate:"gtfield=XMin" json:"xMax"`
	YMax float64 `validate:"gtfield=YMin" json:"yMax"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TileRange is an inclusive window of valid tile indices at one level.
type TileRange struct {
	XMin int `validate:"min=0" json:"xMin"`
	XMax int `validate:"gtefield=XMin" json:"xMax"`
	YMin int `validate:"min=0" json:"yMin"`
	YMax int `validate:"gtefield=YMin" json:"yMax"`
}

// Cols returns the number of tile columns in the range.
func (r TileRange) Cols() int { return r.XMax - r.XMin + 1 }

// Rows returns the number of tile rows in the range.
func (r TileRange) Rows() int { return r.YMax - r.YMin + 1 }

// Contains reports whether col/row lie inside the range.
func (r TileRange) Contains(col, row int) bool {
	return col >= r.XMin && col <= r.XMax && row >= r.YMin && row <= r.YMax
}

func (d *Definition) UnmarshalJSON(data []byte) error {
	if err := defaults.Set(d); err != nil {
		return err
	}
	// alias drops the method set so json does not recurse
	type alias Definition
	if err := json.Unmarshal(data, (*alias)(d)); err != nil {
		return err
	}
	return d.Validate()
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (d *Definition) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid grid definition %q: %w", d.ID, err)
	}
	for i := 1; i < len(d.Resolutions); i++ {
		if d.Resolutions[i] >= d.Resolutions[i-1] {
			return fmt.Errorf("invalid grid definition %q: resolutions must strictly decrease (level %d: %g >= %g)",
				d.ID, i, d.Resolutions[i], d.Resolutions[i-1])
		}
	}
	for level := range d.TileRanges {
		if level < 0 || level >= len(d.Resolutions) {
			return fmt.Errorf("invalid grid definition %q: tile range for level %d has no resolution", d.ID, level)
		}
	}
	return nil
}

// LoadEmbedded loads one of the definitions shipped with the binary.
func LoadEmbedded(id string) (*Grid, error) {
	data, err := embeddedDefinitionsFS.ReadFile("definitions/" + id + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown grid %q: %w", id, err)
	}
	return parse(data)
}

// LoadFile loads a definition from a JSON file on disk.
func LoadFile(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid definition: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Grid, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return New(def)
}

// EmbeddedIDs lists the identifiers of the embedded definitions.
func EmbeddedIDs() ([]string, error) {
	entries, err := embeddedDefinitionsFS.ReadDir("definitions")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no embedded grid definitions")
	}
	return ids, nil
}
