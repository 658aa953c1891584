package kde

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Raster is a Rows×Cols array of values in row-major order.
type Raster struct {
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Values []float32 `json:"values"`
}

func NewRaster(rows, cols int) Raster {
	return Raster{Rows: rows, Cols: cols, Values: make([]float32, rows*cols)}
}

func (r Raster) At(row, col int) float32 {
	return r.Values[row*r.Cols+col]
}

func (r Raster) Set(row, col int, v float32) {
	r.Values[row*r.Cols+col] = v
}

// Observation is one testing image: a day-of-year and the VI of every pixel.
type Observation struct {
	Day int    `json:"day"`
	VI  Raster `json:"vi"`
}

// Result holds the scores of one observation.
type Result struct {
	Day int `json:"day"`
	// Probability is the coverage of the observed VI bin, NoSignal where the
	// reference has no density for the day.
	Probability Raster `json:"probability"`
	// Delta is observed VI minus the mode VI, 0 where there is no signal.
	Delta Raster      `json:"delta"`
	Flags []PixelFlag `json:"flags"`
}

// Scorer answers read-only queries against a reference.
type Scorer struct {
	ref     *Reference
	workers int
}

type ScorerOption func(*Scorer)

// WithScorerWorkers bounds the observations ScoreAll scores at once.
func WithScorerWorkers(n int) ScorerOption {
	return func(s *Scorer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func NewScorer(ref *Reference, opts ...ScorerOption) (*Scorer, error) {
	if ref == nil || ref.Coverage == nil || ref.PMF == nil {
		return nil, fmt.Errorf("%w: incomplete reference", ErrInvalidInput)
	}
	if err := ref.Grid.Validate(); err != nil {
		return nil, err
	}

	s := &Scorer{ref: ref, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scorer) Reference() *Reference {
	return s.ref
}

func (s *Scorer) check(obs Observation) error {
	if !s.ref.Grid.ValidDay(obs.Day) {
		return fmt.Errorf("%w: observation day-of-year %d outside [1,%d]", ErrInvalidInput, obs.Day, s.ref.Grid.Days)
	}
	if obs.VI.Rows != s.ref.Rows || obs.VI.Cols != s.ref.Cols || len(obs.VI.Values) != s.ref.Rows*s.ref.Cols {
		return fmt.Errorf("%w: raster %dx%d does not match field %dx%d",
			ErrInvalidInput, obs.VI.Rows, obs.VI.Cols, s.ref.Rows, s.ref.Cols)
	}
	return nil
}

// Probability returns the coverage at the nearest VI bin of every pixel.
func (s *Scorer) Probability(obs Observation) (Raster, error) {
	res, err := s.Score(obs)
	if err != nil {
		return Raster{}, err
	}
	return res.Probability, nil
}

// Deviation returns observed VI minus the mode VI of every pixel.
func (s *Scorer) Deviation(obs Observation) (Raster, error) {
	res, err := s.Score(obs)
	if err != nil {
		return Raster{}, err
	}
	return res.Delta, nil
}

// Score computes both rasters and the per-pixel flags of one observation.
// A missing (NaN) observed value yields NaN in both rasters.
func (s *Scorer) Score(obs Observation) (*Result, error) {
	if err := s.check(obs); err != nil {
		return nil, err
	}

	ref := s.ref
	res := &Result{
		Day:         obs.Day,
		Probability: NewRaster(ref.Rows, ref.Cols),
		Delta:       NewRaster(ref.Rows, ref.Cols),
		Flags:       make([]PixelFlag, ref.Rows*ref.Cols),
	}

	nan := float32(math.NaN())
	for row := 0; row < ref.Rows; row++ {
		for col := 0; col < ref.Cols; col++ {
			idx := row*ref.Cols + col
			observed := obs.VI.Values[idx]

			mode, ok := ref.ModeVI(obs.Day, row, col)
			if !ok {
				res.Probability.Values[idx] = NoSignal
				res.Delta.Values[idx] = 0
				res.Flags[idx] |= FlagNoSignal
				continue
			}

			bin := ref.Grid.NearestBin(float64(observed))
			if bin < 0 {
				res.Probability.Values[idx] = nan
				res.Delta.Values[idx] = nan
				res.Flags[idx] |= FlagMissingObservation
				continue
			}

			res.Probability.Values[idx] = ref.Coverage.At(bin, obs.Day, row, col)
			res.Delta.Values[idx] = float32(float64(observed) - mode)
		}
	}
	return res, nil
}

// ScoreAll scores every observation concurrently. Results keep the input order.
func (s *Scorer) ScoreAll(ctx context.Context, observations []Observation) ([]*Result, error) {
	results := make([]*Result, len(observations))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, obs := range observations {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := s.Score(obs)
			if err != nil {
				return fmt.Errorf("observation %d (day %d): %w", i, obs.Day, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
