package properties

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

const (
	envPrefix = "MAXSATT"

	AlignmentNone = "none"
	AlignmentFile = "file"
	AlignmentGRPC = "grpc"
)

var (
	ErrInvalidWorkers       = errors.New("engine.workers must be non-negative")
	ErrInvalidStep          = errors.New("season.interpolation_step must be positive")
	ErrInvalidSmoothing     = errors.New("season.smooth_window must exceed season.smooth_order")
	ErrInvalidAlignmentMode = errors.New("alignment.mode must be none, file or grpc")
	ErrMissingAlignment     = errors.New("alignment source is not configured")
	ErrInvalidImageScale    = errors.New("output.image_scale must be positive")
	ErrInvalidBands         = errors.New("sentinel bands must be 1-based")
	ErrInvalidLogLevel      = errors.New("logging.level must be debug, info, warn or error")
	ErrInvalidLogFormat     = errors.New("logging.format must be text or json")
)

type Config struct {
	Grid      GridConfig      `mapstructure:"grid"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Season    SeasonConfig    `mapstructure:"season"`
	Alignment AlignmentConfig `mapstructure:"alignment"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Output    OutputConfig    `mapstructure:"output"`
	Sentinel  SentinelConfig  `mapstructure:"sentinel"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type GridConfig struct {
	Days            int     `mapstructure:"days"`
	Bins            int     `mapstructure:"bins"`
	VIMin           float64 `mapstructure:"vi_min"`
	VIMax           float64 `mapstructure:"vi_max"`
	Rule            string  `mapstructure:"rule"`
	MinBandwidthDay float64 `mapstructure:"min_bandwidth_day"`
	MinBandwidthVI  float64 `mapstructure:"min_bandwidth_vi"`
}

type EngineConfig struct {
	// Zero uses one worker per CPU.
	Workers  int  `mapstructure:"workers"`
	Progress bool `mapstructure:"progress"`
}

type SeasonConfig struct {
	// Testing is the season scored against the others. Zero picks the latest.
	Testing           int   `mapstructure:"testing"`
	Exclude           []int `mapstructure:"exclude"`
	KeepValid         bool  `mapstructure:"keep_valid"`
	InterpolationStep int   `mapstructure:"interpolation_step"`
	Smooth            bool  `mapstructure:"smooth"`
	SmoothWindow      int   `mapstructure:"smooth_window"`
	SmoothOrder       int   `mapstructure:"smooth_order"`
}

type AlignmentConfig struct {
	Mode        string        `mapstructure:"mode"`
	Address     string        `mapstructure:"address"`
	OffsetsFile string        `mapstructure:"offsets_file"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type OutputConfig struct {
	Dir         string  `mapstructure:"dir"`
	ImageScale  int     `mapstructure:"image_scale"`
	DeltaRange  float64 `mapstructure:"delta_range"`
	Images      bool    `mapstructure:"images"`
	Rasters     bool    `mapstructure:"rasters"`
	GeoJSON     bool    `mapstructure:"geojson"`
	MetricsFile string  `mapstructure:"metrics_file"` // Prometheus textfile written after every run
}

type SentinelConfig struct {
	ImagesDir string `mapstructure:"images_dir"`
	NIRBand   int    `mapstructure:"nir_band"`
	RedBand   int    `mapstructure:"red_band"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the YAML file at path, when given, over the defaults. Every key
// can be overridden by a MAXSATT_ variable, grid.bins by MAXSATT_GRID_BINS.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	grid := kde.DefaultGrid()
	v.SetDefault("grid.days", grid.Days)
	v.SetDefault("grid.bins", grid.Bins)
	v.SetDefault("grid.vi_min", grid.VIMin)
	v.SetDefault("grid.vi_max", grid.VIMax)
	v.SetDefault("grid.rule", grid.Rule.String())
	v.SetDefault("grid.min_bandwidth_day", grid.MinBandwidthDay)
	v.SetDefault("grid.min_bandwidth_vi", grid.MinBandwidthVI)

	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.progress", true)

	v.SetDefault("season.testing", 0)
	v.SetDefault("season.exclude", []int{})
	v.SetDefault("season.keep_valid", true)
	v.SetDefault("season.interpolation_step", 1)
	v.SetDefault("season.smooth", true)
	v.SetDefault("season.smooth_window", 50)
	v.SetDefault("season.smooth_order", 3)

	root := RootPath()
	v.SetDefault("alignment.mode", AlignmentNone)
	v.SetDefault("alignment.address", "localhost:50051")
	v.SetDefault("alignment.offsets_file", "")
	v.SetDefault("alignment.timeout", 30*time.Second)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", filepath.Join(root, "data", "cache"))

	v.SetDefault("output.dir", filepath.Join(root, "data", "result"))
	v.SetDefault("output.image_scale", 10)
	v.SetDefault("output.delta_range", 0)
	v.SetDefault("output.images", true)
	v.SetDefault("output.rasters", true)
	v.SetDefault("output.geojson", true)
	v.SetDefault("output.metrics_file", "")

	v.SetDefault("sentinel.images_dir", filepath.Join(root, "data", "images"))
	v.SetDefault("sentinel.nir_band", 2)
	v.SetDefault("sentinel.red_band", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks the configuration and returns the first error found.
func (c *Config) Validate() error {
	if _, err := c.KDEGrid(); err != nil {
		return err
	}
	if c.Engine.Workers < 0 {
		return ErrInvalidWorkers
	}
	if c.Season.InterpolationStep <= 0 {
		return ErrInvalidStep
	}
	if c.Season.Smooth && (c.Season.SmoothOrder < 0 || c.Season.SmoothWindow <= c.Season.SmoothOrder) {
		return ErrInvalidSmoothing
	}

	switch c.Alignment.Mode {
	case AlignmentNone:
	case AlignmentFile:
		if c.Alignment.OffsetsFile == "" {
			return fmt.Errorf("%w: alignment.offsets_file is empty", ErrMissingAlignment)
		}
	case AlignmentGRPC:
		if c.Alignment.Address == "" {
			return fmt.Errorf("%w: alignment.address is empty", ErrMissingAlignment)
		}
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidAlignmentMode, c.Alignment.Mode)
	}

	if c.Output.ImageScale <= 0 {
		return ErrInvalidImageScale
	}
	if c.Sentinel.NIRBand < 1 || c.Sentinel.RedBand < 1 {
		return ErrInvalidBands
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("%w, got %q", ErrInvalidLogFormat, c.Logging.Format)
	}
	return nil
}

// KDEGrid converts the grid section into a validated kde.Grid.
func (c *Config) KDEGrid() (kde.Grid, error) {
	rule, err := kde.ParseBandwidthRule(c.Grid.Rule)
	if err != nil {
		return kde.Grid{}, err
	}
	grid := kde.Grid{
		Days:            c.Grid.Days,
		Bins:            c.Grid.Bins,
		VIMin:           c.Grid.VIMin,
		VIMax:           c.Grid.VIMax,
		Rule:            rule,
		MinBandwidthDay: c.Grid.MinBandwidthDay,
		MinBandwidthVI:  c.Grid.MinBandwidthVI,
	}
	if err := grid.Validate(); err != nil {
		return kde.Grid{}, err
	}
	return grid, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w, got %q", ErrInvalidLogLevel, level)
}

// NewLogger builds the structured logger described by the logging section.
// A nil writer logs to stderr.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w, got %q", ErrInvalidLogFormat, c.Format)
}
