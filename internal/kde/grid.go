// Package kde estimates per-pixel day-of-year × vegetation-index densities from
// training seasons and scores new observations against them.
//
// The pipeline is strictly forward: a Corpus is turned into a DensityVolume by
// an Engine, Normalize derives the immutable Reference (per-day PMF, highest
// density coverage and mode), and a Scorer answers probability and deviation
// queries for testing observations.
package kde

import (
	"fmt"
	"math"
)

const (
	DefaultDays  = 365
	DefaultBins  = 50
	DefaultVIMin = 0
	DefaultVIMax = 10000

	// DefaultMinBandwidthDay is the day-of-year bandwidth used when a pixel's
	// days have no spread.
	DefaultMinBandwidthDay = 1.0
)

// NoSignal is stored in coverage volumes and probability rasters where the
// density for a day sums to zero. Valid coverage lies in [0, 1].
const NoSignal = float32(-1)

// Grid is the fixed discretization shared by every component.
type Grid struct {
	Days  int           `json:"days"`
	Bins  int           `json:"bins"`
	VIMin float64       `json:"vi_min"`
	VIMax float64       `json:"vi_max"`
	Rule  BandwidthRule `json:"rule"`

	// Floors substituted for degenerate bandwidths. Zero MinBandwidthVI means
	// one grid step.
	MinBandwidthDay float64 `json:"min_bandwidth_day"`
	MinBandwidthVI  float64 `json:"min_bandwidth_vi"`
}

func DefaultGrid() Grid {
	return Grid{
		Days:            DefaultDays,
		Bins:            DefaultBins,
		VIMin:           DefaultVIMin,
		VIMax:           DefaultVIMax,
		Rule:            RuleSilverman,
		MinBandwidthDay: DefaultMinBandwidthDay,
	}
}

func (g Grid) Validate() error {
	if g.Days <= 0 {
		return fmt.Errorf("%w: days must be positive, got %d", ErrInvalidInput, g.Days)
	}
	if g.Bins < 2 {
		return fmt.Errorf("%w: at least 2 bins are required, got %d", ErrInvalidInput, g.Bins)
	}
	if math.IsNaN(g.VIMin) || math.IsNaN(g.VIMax) || g.VIMax <= g.VIMin {
		return fmt.Errorf("%w: vi range [%v, %v] is empty", ErrInvalidInput, g.VIMin, g.VIMax)
	}
	if !g.Rule.valid() {
		return fmt.Errorf("%w: unknown bandwidth rule %d", ErrInvalidInput, int(g.Rule))
	}
	if g.MinBandwidthDay <= 0 || g.MinBandwidthVI < 0 {
		return fmt.Errorf("%w: bandwidth floors must be positive", ErrInvalidInput)
	}
	return nil
}

// Step is the distance between two adjacent VI levels.
func (g Grid) Step() float64 {
	return (g.VIMax - g.VIMin) / float64(g.Bins-1)
}

// Levels returns the Bins evenly spaced VI values over [VIMin, VIMax], both ends included.
func (g Grid) Levels() []float64 {
	levels := make([]float64, g.Bins)
	step := g.Step()
	for i := range levels {
		levels[i] = g.VIMin + float64(i)*step
	}
	levels[g.Bins-1] = g.VIMax
	return levels
}

// Level returns the VI value of bin b.
func (g Grid) Level(b int) float64 {
	if b == g.Bins-1 {
		return g.VIMax
	}
	return g.VIMin + float64(b)*g.Step()
}

// NearestBin returns the index of the level closest to v. Exact ties go to the
// lower index. NaN maps to -1.
func (g Grid) NearestBin(v float64) int {
	if math.IsNaN(v) {
		return -1
	}

	step := g.Step()
	tolerance := step * 1e-9
	best, bestDiff := 0, math.Inf(1)
	for b := 0; b < g.Bins; b++ {
		diff := math.Abs(v - g.Level(b))
		if diff < bestDiff-tolerance {
			best, bestDiff = b, diff
		}
	}
	return best
}

func (g Grid) minBandwidthVI() float64 {
	if g.MinBandwidthVI > 0 {
		return g.MinBandwidthVI
	}
	return g.Step()
}

// ValidDay reports whether day lies in [1, Days].
func (g Grid) ValidDay(day int) bool {
	return day >= 1 && day <= g.Days
}
