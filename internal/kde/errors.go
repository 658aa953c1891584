package kde

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidInput marks contract violations of the caller: days outside the
	// grid, calendar dates where a day-of-year is expected, non-finite values or
	// rasters that do not match the field extent. It aborts the whole call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateDistribution marks a (day, pixel) slice whose density sums to zero.
	ErrDegenerateDistribution = errors.New("degenerate distribution")

	// ErrDegenerateBandwidth marks a sample with fewer than two points or no spread.
	ErrDegenerateBandwidth = errors.New("degenerate bandwidth")
)

// PixelFlag records per-pixel conditions detected while building or scoring.
type PixelFlag uint8

const (
	FlagNone PixelFlag = 0
	// FlagNoSamples: the pixel had no training samples at all.
	FlagNoSamples PixelFlag = 1 << iota
	// FlagDegenerateBandwidth: at least one dimension fell back to the bandwidth floor.
	FlagDegenerateBandwidth
	// FlagNoSignal: the density for the queried day sums to zero.
	FlagNoSignal
	// FlagMissingObservation: the observed VI is NaN.
	FlagMissingObservation
)

func (f PixelFlag) Has(other PixelFlag) bool {
	return f&other != 0
}

func (f PixelFlag) String() string {
	if f == FlagNone {
		return "ok"
	}

	var parts []string
	if f.Has(FlagNoSamples) {
		parts = append(parts, "no_samples")
	}
	if f.Has(FlagDegenerateBandwidth) {
		parts = append(parts, "degenerate_bandwidth")
	}
	if f.Has(FlagNoSignal) {
		parts = append(parts, "no_signal")
	}
	if f.Has(FlagMissingObservation) {
		parts = append(parts, "missing_observation")
	}

	return strings.Join(parts, "|")
}
