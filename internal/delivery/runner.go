package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/forest-guardian/vi-anomaly/internal/alignment"
	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/metrics"
	"github.com/forest-guardian/vi-anomaly/internal/properties"
)

var (
	ErrNoTrainingImages = errors.New("no training images left")
	ErrNoTestingImages  = errors.New("no testing images left")
)

// Notifier reports pipeline outcomes. notification.Discord implements it.
type Notifier interface {
	Success(ctx context.Context, message string) error
	Warning(ctx context.Context, message string) error
	Error(ctx context.Context, message string) error
}

// Runner executes the scoring pipelines with one configuration.
type Runner struct {
	cfg       *properties.Config
	grid      kde.Grid
	logger    *slog.Logger
	notifier  Notifier
	estimator alignment.Estimator
	metrics   *metrics.Recorder
}

type RunnerOption func(*Runner)

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithEstimator replaces the season-offset source selected by alignment.mode.
func WithEstimator(est alignment.Estimator) RunnerOption {
	return func(r *Runner) {
		r.estimator = est
	}
}

func NewRunner(cfg *properties.Config, logger *slog.Logger, opts ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", kde.ErrInvalidInput)
	}
	grid, err := cfg.KDEGrid()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{cfg: cfg, grid: grid, logger: logger, metrics: metrics.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Metrics returns the recorder shared by every run of r.
func (r *Runner) Metrics() *metrics.Recorder {
	return r.metrics
}

// finishRun records a pipeline run and refreshes the metrics textfile.
func (r *Runner) finishRun(pipeline string, start time.Time, summary *Summary, err error) {
	r.metrics.ObserveRun(pipeline, time.Since(start), err)
	if summary != nil {
		r.metrics.CountPixels(summary.Field, metrics.StatusScored, summary.Pixels-summary.NoSignal-summary.Missing)
		r.metrics.CountPixels(summary.Field, metrics.StatusNoSignal, summary.NoSignal)
		r.metrics.CountPixels(summary.Field, metrics.StatusMissing, summary.Missing)
		r.metrics.MarkSuccess(summary.Field, time.Now())
	}
	if err := r.metrics.WriteTextfile(r.cfg.Output.MetricsFile); err != nil {
		r.logger.Warn("failed to write metrics", "path", r.cfg.Output.MetricsFile, "error", err)
	}
}

// Summary describes one scoring run.
type Summary struct {
	Field           string
	TrainingSeasons []int
	TestingSeason   int
	TrainingImages  int
	Samples         int
	Observations    int
	Pixels          int
	NoSignal        int
	Missing         int
	Outputs         []string
}

func (s *Summary) count(results []*kde.Result) {
	s.Observations = len(results)
	for _, res := range results {
		s.Pixels += len(res.Flags)
		for _, f := range res.Flags {
			if f.Has(kde.FlagNoSignal) {
				s.NoSignal++
			}
			if f.Has(kde.FlagMissingObservation) {
				s.Missing++
			}
		}
	}
}

func (s *Summary) String() string {
	return fmt.Sprintf("field %s: %d observations of season %d scored against %d samples, %d of %d pixels without signal, %d missing",
		s.Field, s.Observations, s.TestingSeason, s.Samples, s.NoSignal, s.Pixels, s.Missing)
}

func (r *Runner) notifySuccess(ctx context.Context, summary *Summary) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Success(ctx, summary.String()); err != nil {
		r.logger.Warn("failed to send success notification", "error", err)
	}
	if summary.Pixels > 0 && summary.NoSignal == summary.Pixels {
		if err := r.notifier.Warning(ctx, fmt.Sprintf("field %s: no pixel has reference density on the scored days", summary.Field)); err != nil {
			r.logger.Warn("failed to send warning notification", "error", err)
		}
	}
}

func (r *Runner) notifyError(ctx context.Context, field string, err error) {
	if r.notifier == nil {
		return
	}
	if nerr := r.notifier.Error(ctx, fmt.Sprintf("field %s: %s", field, err.Error())); nerr != nil {
		r.logger.Warn("failed to send error notification", "error", nerr)
	}
}

// ListFields returns the field directories found under the images directory.
func (r *Runner) ListFields() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Sentinel.ImagesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read images directory: %w", err)
	}

	var fields []string
	for _, entry := range entries {
		if entry.IsDir() {
			fields = append(fields, entry.Name())
		}
	}
	sort.Strings(fields)
	return fields, nil
}
