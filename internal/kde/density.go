package kde

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
)

// Engine evaluates the product Gaussian density of every pixel over the grid.
type Engine struct {
	grid     Grid
	workers  int
	logger   *slog.Logger
	progress bool
}

type EngineOption func(*Engine)

func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithProgress renders a progress bar on stderr while pixels are estimated.
func WithProgress(enabled bool) EngineOption {
	return func(e *Engine) {
		e.progress = enabled
	}
}

func NewEngine(grid Grid, opts ...EngineOption) (*Engine, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		grid:    grid,
		workers: runtime.NumCPU(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Grid() Grid {
	return e.grid
}

// Estimate builds the density volume of the corpus. Invalid samples anywhere
// abort the call before any pixel is computed; degenerate pixels are flagged.
func (e *Engine) Estimate(corpus *Corpus) (*DensityVolume, error) {
	if err := corpus.Validate(e.grid); err != nil {
		return nil, err
	}

	out := &DensityVolume{
		Volume:     *NewVolume(e.grid, corpus.Rows, corpus.Cols),
		Bandwidths: make([]BandwidthPair, corpus.Pixels()),
		Flags:      make([]PixelFlag, corpus.Pixels()),
	}

	var bar *progressbar.ProgressBar
	if e.progress {
		bar = progressbar.Default(int64(corpus.Pixels()), "Estimating density")
	}

	var (
		once     sync.Once
		firstErr error
	)
	levels := e.grid.Levels()
	wp := workerpool.New(e.workers)
	for idx := 0; idx < corpus.Pixels(); idx++ {
		wp.Submit(func() {
			pair, flag, err := e.estimatePixel(corpus.Samples[idx], levels, out.Pixel(idx))
			if err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("pixel (%d,%d): %w", idx/corpus.Cols, idx%corpus.Cols, err)
				})
				return
			}
			out.Bandwidths[idx] = pair
			out.Flags[idx] = flag
			if bar != nil {
				_ = bar.Add(1)
			}
		})
	}
	wp.StopWait()

	if firstErr != nil {
		return nil, firstErr
	}

	var noSamples, degenerate int
	for _, f := range out.Flags {
		if f.Has(FlagNoSamples) {
			noSamples++
		}
		if f.Has(FlagDegenerateBandwidth) {
			degenerate++
		}
	}
	e.logger.Info("density estimated",
		"pixels", corpus.Pixels(),
		"samples", corpus.Len(),
		"rule", e.grid.Rule.String(),
		"no_samples", noSamples,
		"degenerate_bandwidth", degenerate)

	return out, nil
}

// daySum is the VI kernel sum of every sample observed on one day.
type daySum struct {
	day  int
	bins []float64
}

// estimatePixel fills block, the pixel's Days×Bins range of the volume.
func (e *Engine) estimatePixel(samples []TrainingSample, levels []float64, block []float32) (BandwidthPair, PixelFlag, error) {
	if len(samples) == 0 {
		return BandwidthPair{}, FlagNoSamples, nil
	}

	days := make([]float64, len(samples))
	vis := make([]float64, len(samples))
	for i, s := range samples {
		days[i] = float64(s.Day)
		vis[i] = s.VI
	}

	var flag PixelFlag
	hd, err := e.bandwidth(days, e.grid.MinBandwidthDay)
	if err != nil {
		if !errors.Is(err, ErrDegenerateBandwidth) {
			return BandwidthPair{}, 0, err
		}
		flag |= FlagDegenerateBandwidth
	}
	hv, err := e.bandwidth(vis, e.grid.minBandwidthVI())
	if err != nil {
		if !errors.Is(err, ErrDegenerateBandwidth) {
			return BandwidthPair{}, 0, err
		}
		flag |= FlagDegenerateBandwidth
	}

	// The VI factor only depends on the sample, so samples sharing a day are summed first.
	byDay := make(map[int]*daySum)
	for _, s := range samples {
		ds, ok := byDay[s.Day]
		if !ok {
			ds = &daySum{day: s.Day, bins: make([]float64, len(levels))}
			byDay[s.Day] = ds
		}
		for b, level := range levels {
			ds.bins[b] += gaussian(hv, s.VI, level)
		}
	}
	sums := make([]*daySum, 0, len(byDay))
	for _, ds := range byDay {
		sums = append(sums, ds)
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].day < sums[j].day })

	// Day kernel depends only on |d - day_i|.
	dayKernel := make([]float64, e.grid.Days)
	for k := range dayKernel {
		dayKernel[k] = gaussian(hd, float64(k), 0)
	}

	norm := 1 / (float64(len(samples)) * hd * hv)
	acc := make([]float64, len(levels))
	for d := 1; d <= e.grid.Days; d++ {
		clear(acc)
		for _, ds := range sums {
			w := dayKernel[abs(d-ds.day)]
			if w == 0 {
				continue
			}
			for b, v := range ds.bins {
				acc[b] += w * v
			}
		}
		row := block[(d-1)*len(levels) : d*len(levels)]
		for b, v := range acc {
			row[b] = float32(v * norm)
		}
	}

	return BandwidthPair{Day: hd, VI: hv}, flag, nil
}

// bandwidth applies the grid rule and substitutes floor for degenerate samples.
func (e *Engine) bandwidth(x []float64, floor float64) (float64, error) {
	h, err := e.grid.Rule.Estimate(x)
	if err != nil {
		return floor, err
	}
	return h, nil
}

func gaussian(h, a, b float64) float64 {
	z := (a - b) / h
	return math.Exp(-0.5*z*z) / math.Sqrt(2*math.Pi)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
