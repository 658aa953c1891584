package kde_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

func buildScorer(t *testing.T, corpus *kde.Corpus) *kde.Scorer {
	t.Helper()

	density, err := quietEngine(t, kde.DefaultGrid()).Estimate(corpus)
	require.NoError(t, err)
	ref, err := kde.Normalize(density)
	require.NoError(t, err)
	scorer, err := kde.NewScorer(ref)
	require.NoError(t, err)

	return scorer
}

func single(day int, vi float32) kde.Observation {
	raster := kde.NewRaster(1, 1)
	raster.Set(0, 0, vi)

	return kde.Observation{Day: day, VI: raster}
}

func TestScorer_WorkedExample(t *testing.T) {
	t.Parallel()

	scorer := buildScorer(t, workedCorpus())
	ref := scorer.Reference()
	grid := ref.Grid

	mode, ok := ref.ModeVI(100, 0, 0)
	require.True(t, ok)
	assert.Equal(t, 10, ref.ModeBin(100, 0, 0))
	assert.InDelta(t, 2040.8, mode, 0.1)

	// Mass on day 100 sits around 2000-2200.
	near := ref.Coverage.At(grid.NearestBin(2100), 100, 0, 0)
	far := ref.Coverage.At(grid.NearestBin(8000), 100, 0, 0)
	assert.Less(t, near, float32(0.2))
	assert.Greater(t, far, float32(0.99))

	res, err := scorer.Score(single(100, 2100))
	require.NoError(t, err)
	assert.InDelta(t, 59.2, res.Delta.At(0, 0), 0.5)
	assert.Less(t, math.Abs(float64(res.Delta.At(0, 0))), grid.Step())
	assert.Less(t, res.Probability.At(0, 0), float32(0.2))
	assert.Equal(t, kde.FlagNone, res.Flags[0])

	res, err = scorer.Score(single(100, 9000))
	require.NoError(t, err)
	assert.Greater(t, res.Delta.At(0, 0), float32(5000))
	assert.Greater(t, res.Probability.At(0, 0), float32(0.99))
}

func TestScorer_ProbabilityAndDeviationAgreeWithScore(t *testing.T) {
	t.Parallel()

	scorer := buildScorer(t, workedCorpus())
	obs := single(150, 5100)

	res, err := scorer.Score(obs)
	require.NoError(t, err)
	prob, err := scorer.Probability(obs)
	require.NoError(t, err)
	delta, err := scorer.Deviation(obs)
	require.NoError(t, err)

	assert.Equal(t, res.Probability, prob)
	assert.Equal(t, res.Delta, delta)
}

func TestScorer_NoSignalAndMissingObservation(t *testing.T) {
	t.Parallel()

	corpus := kde.NewCorpus(1, 3)
	for col := 0; col < 2; col++ {
		corpus.Add(0, col, 100, 2000)
		corpus.Add(0, col, 110, 2400)
		corpus.Add(0, col, 120, 2900)
	}

	scorer := buildScorer(t, corpus)
	raster := kde.NewRaster(1, 3)
	raster.Set(0, 0, 2400)
	raster.Set(0, 1, float32(math.NaN()))
	raster.Set(0, 2, 2400)

	res, err := scorer.Score(kde.Observation{Day: 110, VI: raster})
	require.NoError(t, err)

	assert.Equal(t, kde.FlagNone, res.Flags[0])

	assert.True(t, res.Flags[1].Has(kde.FlagMissingObservation))
	assert.True(t, math.IsNaN(float64(res.Probability.At(0, 1))))

	// Pixel without training samples carries no signal on any day.
	assert.True(t, res.Flags[2].Has(kde.FlagNoSignal))
	assert.InDelta(t, kde.NoSignal, res.Probability.At(0, 2), 0)
	assert.Zero(t, res.Delta.At(0, 2))

	ref := scorer.Reference()
	assert.True(t, ref.Flag(0, 2).Has(kde.FlagNoSamples))
	assert.True(t, ref.Flag(0, 2).Has(kde.FlagNoSignal))
	assert.Equal(t, 1, ref.NoSignal[109])
}

func TestScorer_InvalidObservation(t *testing.T) {
	t.Parallel()

	scorer := buildScorer(t, workedCorpus())

	_, err := scorer.Score(single(0, 2000))
	require.ErrorIs(t, err, kde.ErrInvalidInput)

	_, err = scorer.Score(single(366, 2000))
	require.ErrorIs(t, err, kde.ErrInvalidInput)

	_, err = scorer.Score(kde.Observation{Day: 100, VI: kde.NewRaster(2, 2)})
	require.ErrorIs(t, err, kde.ErrInvalidInput)

	_, err = kde.NewScorer(nil)
	require.ErrorIs(t, err, kde.ErrInvalidInput)
}

func TestScorer_ScoreAllKeepsOrder(t *testing.T) {
	t.Parallel()

	scorer := buildScorer(t, workedCorpus())
	observations := []kde.Observation{
		single(150, 5100),
		single(100, 2100),
		single(100, 9000),
		single(130, 3500),
	}

	results, err := scorer.ScoreAll(context.Background(), observations)
	require.NoError(t, err)
	require.Len(t, results, len(observations))

	for i, obs := range observations {
		want, err := scorer.Score(obs)
		require.NoError(t, err)
		assert.Equal(t, obs.Day, results[i].Day)
		assert.Equal(t, want.Probability, results[i].Probability)
	}
}

func TestScorer_ScoreAllFailsOnInvalidObservation(t *testing.T) {
	t.Parallel()

	scorer := buildScorer(t, workedCorpus())
	_, err := scorer.ScoreAll(context.Background(), []kde.Observation{single(100, 2100), single(400, 2100)})
	require.ErrorIs(t, err, kde.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = scorer.ScoreAll(ctx, []kde.Observation{single(100, 2100)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScorer_SingleWorker(t *testing.T) {
	t.Parallel()

	parallel := buildScorer(t, workedCorpus())
	serial, err := kde.NewScorer(parallel.Reference(), kde.WithScorerWorkers(1))
	require.NoError(t, err)

	observations := []kde.Observation{single(100, 2100), single(100, 9000), single(150, 5100)}
	want, err := parallel.ScoreAll(context.Background(), observations)
	require.NoError(t, err)
	got, err := serial.ScoreAll(context.Background(), observations)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
