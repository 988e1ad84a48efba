package radar

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultFusionWorkers = 4
	DefaultChunkRows     = 256
)

// Fuser computes RALA composites. The raster is split into row chunks that
// are processed in parallel; the result does not depend on Workers or
// ChunkRows.
type Fuser struct {
	Workers   int
	ChunkRows int
}

// Fuse combines set into a composite using default parallelism.
func Fuse(set *ElevationSet, qualityThreshold float64) (*CompositeGrid, error) {
	return Fuser{}.Fuse(set, qualityThreshold)
}

// Fuse selects, per point, the value of the lowest elevation that is not
// missing and whose quality is at least qualityThreshold. Points with no
// such elevation hold the missing sentinel of the lowest elevation.
func (f Fuser) Fuse(set *ElevationSet, qualityThreshold float64) (*CompositeGrid, error) {
	if set == nil || len(set.Grids) == 0 {
		return nil, ErrEmptyInput
	}

	elevations := set.Elevations()
	if len(elevations) > math.MaxInt8 {
		return nil, fmt.Errorf("fuse %d elevations: at most %d supported", len(elevations), math.MaxInt8)
	}

	grids := make([]*ElevationGrid, len(elevations))
	for i, e := range elevations {
		g := set.Grids[e]
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
		grids[i] = g
	}

	base := grids[0]
	for _, g := range grids[1:] {
		if !base.SameRaster(g) {
			return nil, fmt.Errorf("%w: elevation %s is %dx%d %+v, elevation %s is %dx%d %+v",
				ErrShapeMismatch,
				FormatElevation(base.Elevation), base.Rows, base.Cols, base.Bounds,
				FormatElevation(g.Elevation), g.Rows, g.Cols, g.Bounds)
		}
	}

	out := &CompositeGrid{
		Timestamp:        set.Timestamp,
		Rows:             base.Rows,
		Cols:             base.Cols,
		Bounds:           base.Bounds,
		Resolution:       base.Resolution,
		Missing:          base.Missing,
		Units:            base.Units,
		Elevations:       elevations,
		Contributions:    make([]int, len(grids)),
		QualityThreshold: qualityThreshold,
		Values:           make([]float32, base.Rows*base.Cols),
		Source:           make([]int8, base.Rows*base.Cols),
	}

	threshold := float32(qualityThreshold)
	chunks := f.forEachChunk(base.Rows, func(lo, hi int) []int {
		return fuseRange(grids, threshold, out, lo*base.Cols, hi*base.Cols)
	})

	for _, counts := range chunks {
		for k, n := range counts {
			out.Contributions[k] += n
			out.ValidPoints += n
		}
	}
	return out, nil
}

func fuseRange(grids []*ElevationGrid, threshold float32, out *CompositeGrid, lo, hi int) []int {
	counts := make([]int, len(grids))
	for i := lo; i < hi; i++ {
		out.Values[i] = out.Missing
		out.Source[i] = -1
		for k, g := range grids {
			v := g.Values[i]
			// NaN quality never passes.
			if g.IsMissing(v) || !(g.qualityAt(i) >= threshold) {
				continue
			}
			out.Values[i] = v
			out.Source[i] = int8(k)
			counts[k]++
			break
		}
	}
	return counts
}

// FillMissing is FillMissing with default parallelism.
func FillMissing(c *CompositeGrid, radius int) (*CompositeGrid, error) {
	return Fuser{}.FillMissing(c, radius)
}

// FillMissing returns a copy of c where each missing point takes the mean of
// the valid points within a (2*radius+1) square window around it. Only values
// selected by fusion feed the mean, and valid points are never changed.
// Filled points keep a Source of -1.
func (f Fuser) FillMissing(c *CompositeGrid, radius int) (*CompositeGrid, error) {
	if c == nil {
		return nil, fmt.Errorf("fill missing: nil composite")
	}
	if radius <= 0 {
		return c, nil
	}

	out := *c
	out.Values = make([]float32, len(c.Values))
	copy(out.Values, c.Values)
	out.SmoothingRadius = radius

	chunks := f.forEachChunk(c.Rows, func(lo, hi int) []int {
		return []int{fillRows(c, out.Values, radius, lo, hi)}
	})
	out.FilledPoints = c.FilledPoints
	for _, n := range chunks {
		out.FilledPoints += n[0]
	}
	return &out, nil
}

func fillRows(c *CompositeGrid, dst []float32, radius, lo, hi int) int {
	filled := 0
	for r := lo; r < hi; r++ {
		for col := 0; col < c.Cols; col++ {
			i := r*c.Cols + col
			if c.Source[i] >= 0 {
				continue
			}
			var sum float64
			var n int
			for rr := max(0, r-radius); rr <= min(c.Rows-1, r+radius); rr++ {
				for cc := max(0, col-radius); cc <= min(c.Cols-1, col+radius); cc++ {
					j := rr*c.Cols + cc
					if c.Source[j] < 0 {
						continue
					}
					sum += float64(c.Values[j])
					n++
				}
			}
			if n > 0 {
				dst[i] = float32(sum / float64(n))
				filled++
			}
		}
	}
	return filled
}

// forEachChunk runs fn over [0, rows) split into ChunkRows-sized ranges and
// returns the per-chunk results in chunk order.
func (f Fuser) forEachChunk(rows int, fn func(lo, hi int) []int) [][]int {
	workers := f.Workers
	if workers <= 0 {
		workers = DefaultFusionWorkers
	}
	chunk := f.ChunkRows
	if chunk <= 0 {
		chunk = DefaultChunkRows
	}

	results := make([][]int, (rows+chunk-1)/chunk)
	var g errgroup.Group
	g.SetLimit(workers)
	for idx := range results {
		lo := idx * chunk
		hi := min(lo+chunk, rows)
		g.Go(func() error {
			results[idx] = fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// QualityControl returns a copy of g whose quality is zero wherever the value
// is missing or outside [minValue, maxValue].
func QualityControl(g *ElevationGrid, minValue, maxValue float32) *ElevationGrid {
	quality := make([]float32, len(g.Values))
	for i, v := range g.Values {
		if g.IsMissing(v) || v < minValue || v > maxValue {
			continue
		}
		quality[i] = g.qualityAt(i)
	}
	out := *g
	out.Quality = quality
	return &out
}
