package delivery_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/vi-anomaly/internal/alignment"
	"github.com/forest-guardian/vi-anomaly/internal/dataset"
	"github.com/forest-guardian/vi-anomaly/internal/delivery"
	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/properties"
)

type recordingNotifier struct {
	mu       sync.Mutex
	success  []string
	warnings []string
	errors   []string
}

func (n *recordingNotifier) Success(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.success = append(n.success, message)
	return nil
}

func (n *recordingNotifier) Warning(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, message)
	return nil
}

func (n *recordingNotifier) Error(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
	return nil
}

func testConfig(t *testing.T) *properties.Config {
	t.Helper()

	cfg, err := properties.Load("")
	require.NoError(t, err)

	root := t.TempDir()
	cfg.Engine.Progress = false
	cfg.Cache.Dir = filepath.Join(root, "cache")
	cfg.Output.Dir = filepath.Join(root, "result")
	cfg.Output.ImageScale = 2
	cfg.Sentinel.ImagesDir = filepath.Join(root, "images")
	return cfg
}

func newRunner(t *testing.T, cfg *properties.Config, opts ...delivery.RunnerOption) *delivery.Runner {
	t.Helper()

	r, err := delivery.NewRunner(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)

	return r
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunner_ScoreCSV(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Output.MetricsFile = filepath.Join(dir, "maxsatt.prom")
	notifier := &recordingNotifier{}
	runner := newRunner(t, cfg, delivery.WithNotifier(notifier))

	corpusPath := writeFile(t, filepath.Join(dir, "training.csv"), `x,y,doy,vi
0,0,100,2000
0,0,100,2200
0,0,150,5000
0,0,150,5200
1,0,100,2000
1,0,100,2200
1,0,150,5000
1,0,150,5200
`)
	obsPath := writeFile(t, filepath.Join(dir, "testing.csv"), "date,doy,x,y,vi\n,100,0,0,2100\n,100,1,0,9000\n")
	outPath := filepath.Join(dir, "out", "scores.csv")

	summary, err := runner.ScoreCSV(context.Background(), corpusPath, obsPath, outPath, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Observations)
	assert.Equal(t, 2, summary.Pixels)
	assert.Equal(t, 8, summary.Samples)
	assert.Zero(t, summary.NoSignal)

	rows, err := dataset.LoadScores(outPath)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.InDelta(t, 59.18, rows[0].Delta, 0.05)
	assert.Less(t, rows[0].Probability, 0.2)
	assert.Greater(t, rows[1].Probability, 0.99)
	assert.Greater(t, rows[1].Delta, 5000.0)

	entries, err := os.ReadDir(cfg.Cache.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The second run reads the cached density and scores identically.
	again, err := runner.ScoreCSV(context.Background(), corpusPath, obsPath, outPath, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, summary.Pixels, again.Pixels)
	cached, err := dataset.LoadScores(outPath)
	require.NoError(t, err)
	assert.Equal(t, rows, cached)

	assert.Len(t, notifier.success, 2)
	assert.Empty(t, notifier.errors)

	prom, err := os.ReadFile(cfg.Output.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `maxsatt_anomaly_density_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, string(prom), `maxsatt_anomaly_density_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, string(prom), `maxsatt_anomaly_runs_total{outcome="success",pipeline="score_csv"} 2`)
}

func TestRunner_ScoreCSV_BadInput(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	notifier := &recordingNotifier{}
	runner := newRunner(t, cfg, delivery.WithNotifier(notifier))

	dir := t.TempDir()
	corpusPath := writeFile(t, filepath.Join(dir, "training.csv"), "x,y,doy,vi\n0,0,2020-04-01,2000\n")
	obsPath := writeFile(t, filepath.Join(dir, "testing.csv"), "date,doy,x,y,vi\n,100,0,0,2100\n")

	_, err := runner.ScoreCSV(context.Background(), corpusPath, obsPath, filepath.Join(dir, "scores.csv"), 1, 1)
	require.ErrorIs(t, err, kde.ErrInvalidInput)
	assert.Len(t, notifier.errors, 1)
	assert.Empty(t, notifier.success)
}

func TestRunner_BuildReference_Cancelled(t *testing.T) {
	t.Parallel()

	runner := newRunner(t, testConfig(t))
	corpus := kde.NewCorpus(1, 1)
	corpus.Add(0, 0, 100, 2000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.BuildReference(ctx, corpus, "cancelled")
	require.ErrorIs(t, err, context.Canceled)
}

// writeStackImage writes a two band (NIR, red) GeoTIFF whose VI is vi.
func writeStackImage(t *testing.T, path string, vi []float64) {
	t.Helper()

	godal.RegisterAll()
	ds, err := godal.Create(godal.GTiff, path, 2, godal.Float32, 2, 2)
	require.NoError(t, err)
	require.NoError(t, ds.SetGeoTransform([6]float64{500000, 10, 0, 7000000, 0, -10}))

	nir := make([]float32, len(vi))
	red := make([]float32, len(vi))
	for i, v := range vi {
		nir[i] = float32((1 + v/10000) / 2)
		red[i] = float32((1 - v/10000) / 2)
	}
	bands := ds.Bands()
	require.NoError(t, bands[0].Write(0, 0, nir, 2, 2))
	require.NoError(t, bands[1].Write(0, 0, red, 2, 2))
	require.NoError(t, ds.Close())
}

func TestRunner_AnalyzeField(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Season.Smooth = false
	cfg.Sentinel.NIRBand = 1
	cfg.Sentinel.RedBand = 2

	fieldDir := filepath.Join(cfg.Sentinel.ImagesDir, "f1")
	require.NoError(t, os.MkdirAll(fieldDir, 0o755))
	for _, year := range []string{"2019", "2020"} {
		writeStackImage(t, filepath.Join(fieldDir, "f1_"+year+"-03-01.tif"), []float64{4800, 4810, 4820, 4830})
		writeStackImage(t, filepath.Join(fieldDir, "f1_"+year+"-04-01.tif"), []float64{5000, 5010, 5020, 5030})
		writeStackImage(t, filepath.Join(fieldDir, "f1_"+year+"-05-01.tif"), []float64{5200, 5210, 5220, 5230})
	}
	writeStackImage(t, filepath.Join(fieldDir, "f1_2021-04-01.tif"), []float64{5020, 1000, 5040, 5050})

	notifier := &recordingNotifier{}
	runner := newRunner(t, cfg,
		delivery.WithNotifier(notifier),
		delivery.WithEstimator(alignment.StaticEstimator{2019: 0, 2020: 0, 2021: 0}),
	)

	fields, err := runner.ListFields()
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, fields)

	summary, err := runner.AnalyzeField(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 2021, summary.TestingSeason)
	assert.Equal(t, []int{2019, 2020}, summary.TrainingSeasons)
	assert.Equal(t, 6, summary.TrainingImages)
	assert.Equal(t, 1, summary.Observations)
	assert.Equal(t, 4, summary.Pixels)
	assert.Zero(t, summary.NoSignal)
	assert.Len(t, summary.Outputs, 6)
	for _, path := range summary.Outputs {
		assert.FileExists(t, path)
	}

	rows, err := dataset.LoadScores(filepath.Join(cfg.Output.Dir, "f1", "scores.csv"))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, 91, rows[0].DOY)
	assert.Equal(t, 1, rows[1].X)
	assert.Greater(t, rows[1].Probability, 0.99)
	assert.Less(t, rows[1].Delta, -3000.0)
	assert.Less(t, math.Abs(rows[0].Delta), 250.0)
	assert.Len(t, notifier.success, 1)
}

func TestRunner_AnalyzeField_CloudedTestingSeason(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Season.Smooth = false
	cfg.Season.KeepValid = true
	cfg.Output.Images = false
	cfg.Output.GeoJSON = false
	cfg.Sentinel.NIRBand = 1
	cfg.Sentinel.RedBand = 2

	fieldDir := filepath.Join(cfg.Sentinel.ImagesDir, "f3")
	require.NoError(t, os.MkdirAll(fieldDir, 0o755))
	for _, day := range []string{"2021-03-01", "2021-04-01", "2022-04-01"} {
		writeStackImage(t, filepath.Join(fieldDir, "f3_"+day+".tif"), []float64{5000, 5010, 5020, 5030})
	}
	// Every testing image misses one of four pixels.
	cloud := math.NaN()
	writeStackImage(t, filepath.Join(fieldDir, "f3_2023-04-01.tif"), []float64{5000, cloud, 5020, 5030})
	writeStackImage(t, filepath.Join(fieldDir, "f3_2023-04-11.tif"), []float64{cloud, 5010, 5020, 5030})

	runner := newRunner(t, cfg, delivery.WithEstimator(alignment.StaticEstimator{2021: 0, 2022: 0, 2023: 0}))

	summary, err := runner.AnalyzeField(context.Background(), "f3")
	require.NoError(t, err)
	assert.Equal(t, 2023, summary.TestingSeason)
	assert.Equal(t, 3, summary.TrainingImages)
	assert.Equal(t, 2, summary.Observations)
	assert.Equal(t, 2, summary.Missing)
	// scores.csv plus a probability and a delta raster per observation.
	assert.Len(t, summary.Outputs, 5)
}

func TestRunner_AnalyzeField_NoTraining(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sentinel.NIRBand = 1
	cfg.Sentinel.RedBand = 2

	fieldDir := filepath.Join(cfg.Sentinel.ImagesDir, "f2")
	require.NoError(t, os.MkdirAll(fieldDir, 0o755))
	writeStackImage(t, filepath.Join(fieldDir, "f2_2021-04-01.tif"), []float64{5000, 5000, 5000, 5000})

	notifier := &recordingNotifier{}
	runner := newRunner(t, cfg, delivery.WithNotifier(notifier))

	_, err := runner.AnalyzeField(context.Background(), "f2")
	require.ErrorIs(t, err, delivery.ErrNoTrainingImages)
	assert.Len(t, notifier.errors, 1)
}
