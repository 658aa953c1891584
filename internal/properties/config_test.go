package properties_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/properties"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := properties.Load("")
	require.NoError(t, err)

	grid, err := cfg.KDEGrid()
	require.NoError(t, err)
	assert.Equal(t, kde.DefaultGrid(), grid)

	assert.Equal(t, properties.AlignmentNone, cfg.Alignment.Mode)
	assert.Equal(t, 30*time.Second, cfg.Alignment.Timeout)
	assert.Equal(t, 1, cfg.Season.InterpolationStep)
	assert.Equal(t, 50, cfg.Season.SmoothWindow)
	assert.Equal(t, 3, cfg.Season.SmoothOrder)
	assert.Equal(t, 2, cfg.Sentinel.NIRBand)
	assert.Equal(t, 5, cfg.Sentinel.RedBand)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
grid:
  bins: 20
  rule: Scott
season:
  testing: 2021
  exclude: [2018]
alignment:
  mode: file
  offsets_file: offsets.csv
  timeout: 5s
logging:
  format: json
`)

	cfg, err := properties.Load(path)
	require.NoError(t, err)

	grid, err := cfg.KDEGrid()
	require.NoError(t, err)
	assert.Equal(t, 20, grid.Bins)
	assert.Equal(t, 365, grid.Days)
	assert.Equal(t, kde.RuleScott, grid.Rule)

	assert.Equal(t, 2021, cfg.Season.Testing)
	assert.Equal(t, []int{2018}, cfg.Season.Exclude)
	assert.Equal(t, "offsets.csv", cfg.Alignment.OffsetsFile)
	assert.Equal(t, 5*time.Second, cfg.Alignment.Timeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAXSATT_GRID_BINS", "30")
	t.Setenv("MAXSATT_LOGGING_LEVEL", "debug")

	cfg, err := properties.Load("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Grid.Bins)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    error
	}{
		{"single bin", "grid:\n  bins: 1\n", kde.ErrInvalidInput},
		{"unknown rule", "grid:\n  rule: parzen\n", kde.ErrInvalidInput},
		{"negative workers", "engine:\n  workers: -1\n", properties.ErrInvalidWorkers},
		{"zero step", "season:\n  interpolation_step: 0\n", properties.ErrInvalidStep},
		{"window too short", "season:\n  smooth_window: 3\n  smooth_order: 3\n", properties.ErrInvalidSmoothing},
		{"unknown alignment", "alignment:\n  mode: dtw\n", properties.ErrInvalidAlignmentMode},
		{"grpc without address", "alignment:\n  mode: grpc\n  address: \"\"\n", properties.ErrMissingAlignment},
		{"file without path", "alignment:\n  mode: file\n", properties.ErrMissingAlignment},
		{"zero scale", "output:\n  image_scale: 0\n", properties.ErrInvalidImageScale},
		{"zero band", "sentinel:\n  red_band: 0\n", properties.ErrInvalidBands},
		{"loud logs", "logging:\n  level: loud\n", properties.ErrInvalidLogLevel},
		{"xml logs", "logging:\n  format: xml\n", properties.ErrInvalidLogFormat},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := properties.Load(writeConfig(t, tc.content))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := properties.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := properties.LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "field", "f1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"field":"f1"`)

	_, err = properties.LoggingConfig{Level: "info", Format: "xml"}.NewLogger(nil)
	require.ErrorIs(t, err, properties.ErrInvalidLogFormat)
}
