package kde_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

func TestSilverman_KnownValue(t *testing.T) {
	t.Parallel()

	// std = sqrt(2), IQR/1.349 = 2/1.349, so std wins.
	bw, err := kde.Silverman([]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.9*math.Sqrt2*math.Pow(5, -0.2), bw, 1e-12)
}

func TestSilverman_IQRWins(t *testing.T) {
	t.Parallel()

	bw, err := kde.Silverman([]float64{1, 2})
	require.NoError(t, err)
	// Type 7 quartiles are 1.25 and 1.75.
	assert.InDelta(t, 0.9*(0.5/1.349)*math.Pow(2, -0.2), bw, 1e-12)
}

func TestSilverman_ZeroIQRFallsBackToStd(t *testing.T) {
	t.Parallel()

	bw, err := kde.Silverman([]float64{0, 0, 0, 0, 10})
	require.NoError(t, err)
	assert.InDelta(t, 0.9*4*math.Pow(5, -0.2), bw, 1e-12)
}

func TestSilverman_WorkedExample(t *testing.T) {
	t.Parallel()

	day, err := kde.Silverman([]float64{100, 100, 150, 150})
	require.NoError(t, err)
	assert.InDelta(t, 17.05, day, 0.01)

	vi, err := kde.Silverman([]float64{2000, 2200, 5000, 5200})
	require.NoError(t, err)
	assert.InDelta(t, 1025.4, vi, 0.5)
}

func TestScott_KnownValue(t *testing.T) {
	t.Parallel()

	bw, err := kde.Scott([]float64{1, 2, 3, 4, 5}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.06*math.Sqrt2*math.Pow(5, -1.0/6), bw, 1e-12)

	_, err = kde.Scott([]float64{1, 2}, 0)
	require.ErrorIs(t, err, kde.ErrInvalidInput)
}

func TestBandwidth_Degenerate(t *testing.T) {
	t.Parallel()

	for _, rule := range []kde.BandwidthRule{kde.RuleSilverman, kde.RuleScott} {
		_, err := rule.Estimate([]float64{42})
		require.ErrorIs(t, err, kde.ErrDegenerateBandwidth, rule.String())

		_, err = rule.Estimate([]float64{7, 7, 7})
		require.ErrorIs(t, err, kde.ErrDegenerateBandwidth, rule.String())

		_, err = rule.Estimate([]float64{1, math.NaN()})
		require.ErrorIs(t, err, kde.ErrInvalidInput, rule.String())

		_, err = rule.Estimate([]float64{1, math.Inf(1)})
		require.ErrorIs(t, err, kde.ErrInvalidInput, rule.String())
	}
}

func TestBandwidth_PositiveForDistinctSamples(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		n := 2 + rng.IntN(40)
		x := make([]float64, n)
		for j := range x {
			x[j] = rng.Float64() * 10000
		}
		x[1] = x[0] + 1 // at least two distinct values

		for _, rule := range []kde.BandwidthRule{kde.RuleSilverman, kde.RuleScott} {
			bw, err := rule.Estimate(x)
			require.NoError(t, err)
			assert.Greater(t, bw, 0.0)
			assert.False(t, math.IsInf(bw, 0) || math.IsNaN(bw))
		}
	}
}

func TestParseBandwidthRule(t *testing.T) {
	t.Parallel()

	rule, err := kde.ParseBandwidthRule("Scott")
	require.NoError(t, err)
	assert.Equal(t, kde.RuleScott, rule)

	rule, err = kde.ParseBandwidthRule("")
	require.NoError(t, err)
	assert.Equal(t, kde.RuleSilverman, rule)

	_, err = kde.ParseBandwidthRule("epanechnikov")
	require.ErrorIs(t, err, kde.ErrInvalidInput)

	var r kde.BandwidthRule
	require.NoError(t, r.UnmarshalText([]byte("scott")))
	assert.Equal(t, kde.RuleScott, r)

	text, err := kde.RuleSilverman.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "silverman", string(text))
}
