// Package grib2 decodes MRMS GRIB2 reflectivity messages into radar grids.
//
// MRMS packs its fields with PNG (data template 5.41), which is unpacked
// here. Every other packing goes through griblib.
package grib2

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/nilsmagnus/grib/griblib"

	"github.com/i474232898/mrms-rala/internal/radar"
)

const (
	// Missing is the sentinel written for points without a usable value.
	Missing = float32(-999)

	// MRMS encodes "no radar coverage" as -99 and "missing" as -999; both
	// end up as Missing.
	noCoverage = -99

	microDegrees = 1e-6

	// scanning mode flag: rows run south to north when set.
	scanSouthToNorth = 0x40
)

var errUnsupportedGrid = errors.New("unsupported grid definition")

// gridDef is a regular lat/lon grid (template 3.0) in micro-degrees.
type gridDef struct {
	ni, nj   int
	la1, lo1 int64
	la2, lo2 int64
	di, dj   int64
	scanMode uint8
}

// Decoder implements radar.Decoder for MergedReflectivityQC files.
type Decoder struct{}

// Decode parses the first field of an uncompressed GRIB2 payload.
func (Decoder) Decode(elevation float64, raw []byte) (*radar.ElevationGrid, error) {
	m, err := scanMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("read grib2: %w", err)
	}
	if m.dataTemplate != templatePNG {
		return decodeGriblib(elevation, raw)
	}
	if m.gridTemplate != templateLatLon {
		return nil, fmt.Errorf("%w: template %d", errUnsupportedGrid, m.gridTemplate)
	}
	values, err := unpackPNG(m)
	if err != nil {
		return nil, fmt.Errorf("unpack grib2: %w", err)
	}
	return fromDefinition(elevation, m.grid, values)
}

func decodeGriblib(elevation float64, raw []byte) (*radar.ElevationGrid, error) {
	messages, err := griblib.ReadMessages(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read grib2: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("read grib2: no messages")
	}
	m := messages[0]

	var g griblib.Grid0
	switch d := m.Section3.Definition.(type) {
	case *griblib.Grid0:
		g = *d
	case griblib.Grid0:
		g = d
	default:
		return nil, fmt.Errorf("%w: template %d", errUnsupportedGrid, m.Section3.TemplateNumber)
	}
	def := gridDef{
		ni:       int(g.Ni),
		nj:       int(g.Nj),
		la1:      int64(g.La1),
		lo1:      int64(g.Lo1),
		la2:      int64(g.La2),
		lo2:      int64(g.Lo2),
		di:       int64(g.Di),
		dj:       int64(g.Dj),
		scanMode: uint8(g.ScanningMode),
	}
	return fromDefinition(elevation, def, m.Data())
}

// fromDefinition builds a grid from a regular lat/lon definition, flipping
// rows so that row 0 is the northern edge.
func fromDefinition(elevation float64, def gridDef, data []float64) (*radar.ElevationGrid, error) {
	rows, cols := def.nj, def.ni
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", errUnsupportedGrid, rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("grib2 data holds %d values for a %dx%d grid", len(data), rows, cols)
	}

	lat1, lat2 := float64(def.la1)*microDegrees, float64(def.la2)*microDegrees
	lon1, lon2 := normalizeLon(float64(def.lo1)*microDegrees), normalizeLon(float64(def.lo2)*microDegrees)

	values := make([]float32, len(data))
	flip := def.scanMode&scanSouthToNorth != 0
	for r := 0; r < rows; r++ {
		src := r
		if flip {
			src = rows - 1 - r
		}
		for c := 0; c < cols; c++ {
			v := data[src*cols+c]
			if v <= noCoverage || math.IsNaN(v) {
				values[r*cols+c] = Missing
				continue
			}
			values[r*cols+c] = float32(v)
		}
	}

	return &radar.ElevationGrid{
		Elevation: elevation,
		Rows:      rows,
		Cols:      cols,
		Bounds: radar.Bounds{
			North: math.Max(lat1, lat2),
			South: math.Min(lat1, lat2),
			East:  math.Max(lon1, lon2),
			West:  math.Min(lon1, lon2),
		},
		Resolution: radar.Resolution{
			Lat: math.Abs(float64(def.dj)) * microDegrees,
			Lon: math.Abs(float64(def.di)) * microDegrees,
		},
		Missing: Missing,
		Units:   "dBZ",
		Values:  values,
	}, nil
}

func normalizeLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}
