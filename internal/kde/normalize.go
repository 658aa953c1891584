package kde

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/gammazero/workerpool"
)

// Reference is the immutable product of normalizing a density volume. It is
// safe for concurrent reads.
type Reference struct {
	Grid Grid `json:"grid"`
	Rows int  `json:"rows"`
	Cols int  `json:"cols"`

	// PMF holds the per-(day, pixel) probability mass over VI bins.
	PMF *Volume `json:"pmf"`
	// Coverage holds the highest density coverage of every bin, or NoSignal.
	Coverage *Volume `json:"coverage"`
	// Mode is the argmax bin per pixel and day, indexed pixel*Days + day-1; -1 means no signal.
	Mode []int32 `json:"mode"`

	Bandwidths []BandwidthPair `json:"bandwidths"`
	Flags      []PixelFlag     `json:"flags"`
	// NoSignal counts, per day-of-year (index day-1), the pixels whose density sums to zero.
	NoSignal []int `json:"no_signal"`
}

// Normalize turns each (day, pixel) density slice into a PMF exactly once and
// derives its coverage and mode. Zero or non-finite sums are recorded as no
// signal instead of being divided. It uses one worker per CPU; Engine.Normalize
// uses the engine's worker count.
func Normalize(density *DensityVolume) (*Reference, error) {
	return normalize(density, runtime.NumCPU())
}

// Normalize derives the reference of density with the engine's workers.
func (e *Engine) Normalize(density *DensityVolume) (*Reference, error) {
	return normalize(density, e.workers)
}

func normalize(density *DensityVolume, workers int) (*Reference, error) {
	if density == nil {
		return nil, fmt.Errorf("%w: nil density volume", ErrInvalidInput)
	}
	if err := density.validate(); err != nil {
		return nil, err
	}

	grid := density.Grid
	pixels := density.Pixels()
	if len(density.Flags) != pixels || len(density.Bandwidths) != pixels {
		return nil, fmt.Errorf("%w: diagnostics cover %d pixels, want %d", ErrInvalidInput, len(density.Flags), pixels)
	}
	ref := &Reference{
		Grid:       grid,
		Rows:       density.Rows,
		Cols:       density.Cols,
		PMF:        NewVolume(grid, density.Rows, density.Cols),
		Coverage:   NewVolume(grid, density.Rows, density.Cols),
		Mode:       make([]int32, pixels*grid.Days),
		Bandwidths: make([]BandwidthPair, pixels),
		Flags:      make([]PixelFlag, pixels),
		NoSignal:   make([]int, grid.Days),
	}
	copy(ref.Bandwidths, density.Bandwidths)
	copy(ref.Flags, density.Flags)

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp := workerpool.New(workers)
	for idx := 0; idx < pixels; idx++ {
		wp.Submit(func() {
			normalizePixel(grid, density.Pixel(idx), ref.PMF.Pixel(idx), ref.Coverage.Pixel(idx), ref.Mode[idx*grid.Days:(idx+1)*grid.Days])
		})
	}
	wp.StopWait()

	for idx := 0; idx < pixels; idx++ {
		modes := ref.Mode[idx*grid.Days : (idx+1)*grid.Days]
		for d, m := range modes {
			if m < 0 {
				ref.NoSignal[d]++
				ref.Flags[idx] |= FlagNoSignal
			}
		}
	}

	return ref, nil
}

func normalizePixel(grid Grid, density, pmf, coverage []float32, modes []int32) {
	probs := make([]float64, grid.Bins)
	for d := 0; d < grid.Days; d++ {
		in := density[d*grid.Bins : (d+1)*grid.Bins]
		outPMF := pmf[d*grid.Bins : (d+1)*grid.Bins]
		outCov := coverage[d*grid.Bins : (d+1)*grid.Bins]

		var sum float64
		for _, v := range in {
			if !math.IsNaN(float64(v)) {
				sum += float64(v)
			}
		}
		if sum <= 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
			for b := range outCov {
				outCov[b] = NoSignal
			}
			modes[d] = -1
			continue
		}

		for b, v := range in {
			// NaN bins carry no mass, in the PMF as in the coverage.
			if math.IsNaN(float64(v)) {
				probs[b] = 0
			} else {
				probs[b] = float64(v) / sum
			}
			outPMF[b] = float32(probs[b])
		}
		for b, c := range UniqueCumsum(probs) {
			outCov[b] = float32(c)
		}
		modes[d] = int32(argmax(probs))
	}
}

// UniqueCumsum returns, for every bin, the sum of the distinct values of p
// that are greater than or equal to the bin's own value. NaN counts as 0.
// Equal values receive equal coverage.
func UniqueCumsum(p []float64) []float64 {
	clean := make([]float64, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			v = 0
		}
		clean[i] = v
	}

	distinct := make([]float64, 0, len(clean))
	seen := make(map[float64]struct{}, len(clean))
	for _, v := range clean {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		distinct = append(distinct, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(distinct)))

	running := 0.0
	cumulative := make(map[float64]float64, len(distinct))
	for _, v := range distinct {
		running += v
		cumulative[v] = running
	}

	out := make([]float64, len(clean))
	for i, v := range clean {
		out[i] = cumulative[v]
	}
	return out
}

// argmax returns the lowest index of the maximum value.
func argmax(x []float64) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func (r *Reference) pixelIndex(row, col int) int {
	return row*r.Cols + col
}

// ModeBin returns the argmax bin for a 1-based day at a pixel, or -1 when the
// day carries no signal there.
func (r *Reference) ModeBin(day, row, col int) int {
	return int(r.Mode[r.pixelIndex(row, col)*r.Grid.Days+day-1])
}

// ModeVI returns the VI level of maximal density and false when the day carries no signal.
func (r *Reference) ModeVI(day, row, col int) (float64, bool) {
	b := r.ModeBin(day, row, col)
	if b < 0 {
		return 0, false
	}
	return r.Grid.Level(b), true
}

// HasSignal reports whether the density of the pixel on day was nonzero.
func (r *Reference) HasSignal(day, row, col int) bool {
	return r.ModeBin(day, row, col) >= 0
}

// Flag returns the flags gathered for the pixel at (row, col) while building the reference.
func (r *Reference) Flag(row, col int) PixelFlag {
	return r.Flags[r.pixelIndex(row, col)]
}

// Distribution returns the PMF of a pixel on a 1-based day. A day without
// density fails with ErrDegenerateDistribution.
func (r *Reference) Distribution(day, row, col int) ([]float32, error) {
	if !r.Grid.ValidDay(day) || row < 0 || row >= r.Rows || col < 0 || col >= r.Cols {
		return nil, fmt.Errorf("%w: day %d pixel (%d,%d) outside the reference", ErrInvalidInput, day, row, col)
	}
	if !r.HasSignal(day, row, col) {
		return nil, fmt.Errorf("%w: pixel (%d,%d) on day %d", ErrDegenerateDistribution, row, col, day)
	}
	return r.PMF.Slice(day, row, col), nil
}
