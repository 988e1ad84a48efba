package radar

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Bounds is the geographic extent of a raster in degrees.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Resolution is the grid spacing in degrees.
type Resolution struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ElevationGrid is one decoded raster scanned at a single elevation angle.
// Values are row-major, row 0 being the northern edge. Grids are treated as
// immutable once constructed.
type ElevationGrid struct {
	Elevation  float64
	Rows       int
	Cols       int
	Bounds     Bounds
	Resolution Resolution
	Missing    float32
	Units      string
	Values     []float32

	// Quality holds a per-point quality measure in [0, 1]. When nil every
	// non-missing value passes with quality 1.
	Quality []float32
}

// Validate checks the raster is internally consistent.
func (g *ElevationGrid) Validate() error {
	if g == nil {
		return fmt.Errorf("nil grid")
	}
	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("elevation %s: invalid shape %dx%d", FormatElevation(g.Elevation), g.Rows, g.Cols)
	}
	if len(g.Values) != g.Rows*g.Cols {
		return fmt.Errorf("elevation %s: %d values for %dx%d raster", FormatElevation(g.Elevation), len(g.Values), g.Rows, g.Cols)
	}
	if g.Quality != nil && len(g.Quality) != len(g.Values) {
		return fmt.Errorf("elevation %s: %d quality values for %d points", FormatElevation(g.Elevation), len(g.Quality), len(g.Values))
	}
	return nil
}

// IsMissing reports whether v is the grid's sentinel or NaN.
func (g *ElevationGrid) IsMissing(v float32) bool {
	return v == g.Missing || v != v
}

func (g *ElevationGrid) qualityAt(i int) float32 {
	if g.Quality == nil {
		return 1
	}
	return g.Quality[i]
}

const coordTolerance = 1e-9

// SameRaster reports whether g and o share shape, bounds and resolution.
func (g *ElevationGrid) SameRaster(o *ElevationGrid) bool {
	return g.Rows == o.Rows && g.Cols == o.Cols &&
		nearlyEqual(g.Bounds.North, o.Bounds.North) &&
		nearlyEqual(g.Bounds.South, o.Bounds.South) &&
		nearlyEqual(g.Bounds.East, o.Bounds.East) &&
		nearlyEqual(g.Bounds.West, o.Bounds.West) &&
		nearlyEqual(g.Resolution.Lat, o.Resolution.Lat) &&
		nearlyEqual(g.Resolution.Lon, o.Resolution.Lon)
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= coordTolerance
}

// ElevationSet groups the grids of one observation cycle by elevation angle.
type ElevationSet struct {
	Timestamp Timestamp
	Grids     map[float64]*ElevationGrid
}

// NewElevationSet returns an empty set for ts.
func NewElevationSet(ts Timestamp) *ElevationSet {
	return &ElevationSet{Timestamp: ts, Grids: make(map[float64]*ElevationGrid)}
}

// Add stores g under its elevation angle.
func (s *ElevationSet) Add(g *ElevationGrid) {
	s.Grids[g.Elevation] = g
}

// Elevations returns the member angles in ascending order.
func (s *ElevationSet) Elevations() []float64 {
	out := make([]float64, 0, len(s.Grids))
	for e := range s.Grids {
		out = append(out, e)
	}
	sort.Float64s(out)
	return out
}

// CompositeGrid is the fused RALA raster for one observation cycle.
// It must not be modified after it has been published.
type CompositeGrid struct {
	Timestamp        Timestamp  `json:"timestamp"`
	Rows             int        `json:"rows"`
	Cols             int        `json:"cols"`
	Bounds           Bounds     `json:"bounds"`
	Resolution       Resolution `json:"resolution"`
	Missing          float32    `json:"missing"`
	Units            string     `json:"units"`
	Elevations       []float64  `json:"elevations"`
	Contributions    []int      `json:"contributions"`
	ValidPoints      int        `json:"validPoints"`
	FilledPoints     int        `json:"filledPoints"`
	SmoothingRadius  int        `json:"smoothingRadius"`
	QualityThreshold float64    `json:"qualityThreshold"`
	GeneratedAt      time.Time  `json:"generatedAt"`

	// Values holds the reflectivity per point, row-major.
	Values []float32 `json:"-"`
	// Source holds the index into Elevations that supplied each point, or -1.
	Source []int8 `json:"-"`
}

// Len returns the number of points in the raster.
func (c *CompositeGrid) Len() int { return c.Rows * c.Cols }

// At returns the value at (row, col).
func (c *CompositeGrid) At(row, col int) float32 {
	return c.Values[row*c.Cols+col]
}

// Downsample returns a copy keeping every factor-th row and column.
func (c *CompositeGrid) Downsample(factor int) *CompositeGrid {
	if factor <= 1 {
		return c
	}
	rows := (c.Rows + factor - 1) / factor
	cols := (c.Cols + factor - 1) / factor

	out := *c
	out.Rows, out.Cols = rows, cols
	out.Resolution = Resolution{Lat: c.Resolution.Lat * float64(factor), Lon: c.Resolution.Lon * float64(factor)}
	out.Values = make([]float32, 0, rows*cols)
	out.Source = make([]int8, 0, rows*cols)
	out.ValidPoints = 0
	for r := 0; r < c.Rows; r += factor {
		for col := 0; col < c.Cols; col += factor {
			i := r*c.Cols + col
			out.Values = append(out.Values, c.Values[i])
			out.Source = append(out.Source, c.Source[i])
			if c.Source[i] >= 0 {
				out.ValidPoints++
			}
		}
	}
	return &out
}

// Stage is a step of a refresh cycle.
type Stage int32

const (
	StageIdle Stage = iota
	StageChecking
	StageFetching
	StageFusing
	StagePublishing
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageChecking:
		return "checking"
	case StageFetching:
		return "fetching"
	case StageFusing:
		return "fusing"
	case StagePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}
