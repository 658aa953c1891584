package kde_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

func TestGrid_Levels(t *testing.T) {
	t.Parallel()

	grid := kde.DefaultGrid()
	require.NoError(t, grid.Validate())

	levels := grid.Levels()
	require.Len(t, levels, 50)
	assert.InDelta(t, 0.0, levels[0], 0)
	assert.InDelta(t, 10000.0, levels[49], 0)
	assert.InDelta(t, 10000.0/49, grid.Step(), 1e-12)
	assert.InDelta(t, levels[10], grid.Level(10), 0)
}

func TestGrid_NearestBinOnLevels(t *testing.T) {
	t.Parallel()

	grid := kde.DefaultGrid()
	step := grid.Step()
	for k := 0; k < grid.Bins; k++ {
		assert.Equal(t, k, grid.NearestBin(float64(k)*step), "level %d", k)
	}
}

func TestGrid_NearestBinMidpointGoesLow(t *testing.T) {
	t.Parallel()

	grid := kde.DefaultGrid()
	step := grid.Step()
	for k := 0; k < grid.Bins-1; k++ {
		mid := float64(k)*step + step/2
		assert.Equal(t, k, grid.NearestBin(mid), "midpoint after level %d", k)
	}
}

func TestGrid_NearestBinOutOfRange(t *testing.T) {
	t.Parallel()

	grid := kde.DefaultGrid()
	assert.Equal(t, 0, grid.NearestBin(-500))
	assert.Equal(t, 49, grid.NearestBin(12000))
	assert.Equal(t, -1, grid.NearestBin(math.NaN()))
}

func TestGrid_Validate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*kde.Grid){
		"no days":      func(g *kde.Grid) { g.Days = 0 },
		"one bin":      func(g *kde.Grid) { g.Bins = 1 },
		"empty range":  func(g *kde.Grid) { g.VIMax = g.VIMin },
		"bad rule":     func(g *kde.Grid) { g.Rule = kde.BandwidthRule(9) },
		"zero floor":   func(g *kde.Grid) { g.MinBandwidthDay = 0 },
		"negative vi":  func(g *kde.Grid) { g.MinBandwidthVI = -1 },
		"nan vi bound": func(g *kde.Grid) { g.VIMin = math.NaN() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			grid := kde.DefaultGrid()
			mutate(&grid)
			require.ErrorIs(t, grid.Validate(), kde.ErrInvalidInput)
		})
	}
}

func TestPixelFlag_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ok", kde.FlagNone.String())
	assert.Equal(t, "no_samples|no_signal", (kde.FlagNoSignal | kde.FlagNoSamples).String())
	assert.True(t, (kde.FlagDegenerateBandwidth | kde.FlagMissingObservation).Has(kde.FlagMissingObservation))
	assert.False(t, kde.FlagNoSignal.Has(kde.FlagNoSamples))
}
