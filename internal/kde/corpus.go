package kde

import (
	"fmt"
	"math"
)

// TrainingSample is one observed (day-of-year, VI) pair at a pixel.
type TrainingSample struct {
	Day int     `json:"day"`
	VI  float64 `json:"vi"`
}

// Corpus holds the training samples of a field, one list per pixel in row-major order.
type Corpus struct {
	Rows    int                `json:"rows"`
	Cols    int                `json:"cols"`
	Samples [][]TrainingSample `json:"samples"`
}

func NewCorpus(rows, cols int) *Corpus {
	return &Corpus{
		Rows:    rows,
		Cols:    cols,
		Samples: make([][]TrainingSample, rows*cols),
	}
}

// Add appends a sample to the pixel at (row, col).
func (c *Corpus) Add(row, col, day int, vi float64) {
	idx := row*c.Cols + col
	c.Samples[idx] = append(c.Samples[idx], TrainingSample{Day: day, VI: vi})
}

// Pixel returns the samples of the pixel at (row, col).
func (c *Corpus) Pixel(row, col int) []TrainingSample {
	return c.Samples[row*c.Cols+col]
}

func (c *Corpus) Pixels() int {
	return c.Rows * c.Cols
}

// Len returns the total number of samples over all pixels.
func (c *Corpus) Len() int {
	total := 0
	for _, s := range c.Samples {
		total += len(s)
	}
	return total
}

// Validate checks the whole corpus against the grid before any work starts.
func (c *Corpus) Validate(grid Grid) error {
	if c == nil {
		return fmt.Errorf("%w: nil corpus", ErrInvalidInput)
	}
	if c.Rows <= 0 || c.Cols <= 0 {
		return fmt.Errorf("%w: field extent %dx%d", ErrInvalidInput, c.Rows, c.Cols)
	}
	if len(c.Samples) != c.Rows*c.Cols {
		return fmt.Errorf("%w: %d sample lists for a %dx%d field", ErrInvalidInput, len(c.Samples), c.Rows, c.Cols)
	}

	for idx, samples := range c.Samples {
		for _, s := range samples {
			if !grid.ValidDay(s.Day) {
				return fmt.Errorf("%w: pixel (%d,%d) has day-of-year %d outside [1,%d]",
					ErrInvalidInput, idx/c.Cols, idx%c.Cols, s.Day, grid.Days)
			}
			if math.IsNaN(s.VI) || math.IsInf(s.VI, 0) {
				return fmt.Errorf("%w: pixel (%d,%d) has non-finite vi on day %d",
					ErrInvalidInput, idx/c.Cols, idx%c.Cols, s.Day)
			}
		}
	}
	return nil
}
