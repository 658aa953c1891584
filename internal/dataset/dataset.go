// Package dataset reads and writes the CSV tables exchanged with the
// data-preparation layer: training samples, testing observations and scores.
package dataset

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/season"
)

type TrainingRow struct {
	X   int     `csv:"x"`
	Y   int     `csv:"y"`
	DOY string  `csv:"doy"`
	VI  float64 `csv:"vi"`
}

type ObservationRow struct {
	Date string  `csv:"date,omitempty"`
	DOY  string  `csv:"doy"`
	X    int     `csv:"x"`
	Y    int     `csv:"y"`
	VI   float64 `csv:"vi"`
}

type ScoreRow struct {
	DOY         int     `csv:"doy"`
	X           int     `csv:"x"`
	Y           int     `csv:"y"`
	Observed    float64 `csv:"observed"`
	Probability float64 `csv:"probability"`
	Delta       float64 `csv:"delta"`
	Flags       string  `csv:"flags"`
}

// parseDay accepts an integer day-of-year only. Calendar dates are rejected
// rather than converted so that a misplaced column cannot be misread.
func parseDay(cell string) (int, error) {
	cell = strings.TrimSpace(cell)
	if day, err := strconv.Atoi(cell); err == nil {
		return day, nil
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return int(f), nil
	}
	if _, err := time.Parse(time.DateOnly, cell); err == nil {
		return 0, fmt.Errorf("%w: doy column holds the calendar date %q", kde.ErrInvalidInput, cell)
	}
	return 0, fmt.Errorf("%w: doy %q is not an integer day-of-year", kde.ErrInvalidInput, cell)
}

func readRows[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var rows []T
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

func writeRows[T any](path string, rows []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// extent returns rows and cols, inferring them from the largest coordinates
// when either is not positive.
func extent(rows, cols int, xs, ys []int) (int, int, error) {
	if rows > 0 && cols > 0 {
		for i := range xs {
			if xs[i] < 0 || xs[i] >= cols || ys[i] < 0 || ys[i] >= rows {
				return 0, 0, fmt.Errorf("%w: pixel (%d,%d) outside a %dx%d field", kde.ErrInvalidInput, xs[i], ys[i], rows, cols)
			}
		}
		return rows, cols, nil
	}

	rows, cols = 0, 0
	for i := range xs {
		if xs[i] < 0 || ys[i] < 0 {
			return 0, 0, fmt.Errorf("%w: negative pixel (%d,%d)", kde.ErrInvalidInput, xs[i], ys[i])
		}
		cols = max(cols, xs[i]+1)
		rows = max(rows, ys[i]+1)
	}
	if rows == 0 || cols == 0 {
		return 0, 0, fmt.Errorf("%w: empty table", kde.ErrInvalidInput)
	}
	return rows, cols, nil
}

// LoadCorpus reads x,y,doy,vi rows into a corpus of the given extent.
// Missing (NaN) values are skipped.
func LoadCorpus(path string, rows, cols int) (*kde.Corpus, error) {
	records, err := readRows[TrainingRow](path)
	if err != nil {
		return nil, err
	}

	xs := make([]int, len(records))
	ys := make([]int, len(records))
	for i, r := range records {
		xs[i], ys[i] = r.X, r.Y
	}
	rows, cols, err = extent(rows, cols, xs, ys)
	if err != nil {
		return nil, err
	}

	corpus := kde.NewCorpus(rows, cols)
	for i, r := range records {
		day, err := parseDay(r.DOY)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if math.IsNaN(r.VI) {
			continue
		}
		corpus.Add(r.Y, r.X, day, r.VI)
	}
	return corpus, nil
}

func SaveCorpus(path string, corpus *kde.Corpus) error {
	var records []TrainingRow
	for idx, samples := range corpus.Samples {
		for _, s := range samples {
			records = append(records, TrainingRow{
				X:   idx % corpus.Cols,
				Y:   idx / corpus.Cols,
				DOY: strconv.Itoa(s.Day),
				VI:  s.VI,
			})
		}
	}
	return writeRows(path, records)
}

// LoadObservations groups date,doy,x,y,vi rows into one raster per day. The
// doy may be left empty when a date is given. Pixels absent from the table
// are NaN.
func LoadObservations(path string, rows, cols int) ([]kde.Observation, error) {
	records, err := readRows[ObservationRow](path)
	if err != nil {
		return nil, err
	}

	xs := make([]int, len(records))
	ys := make([]int, len(records))
	for i, r := range records {
		xs[i], ys[i] = r.X, r.Y
	}
	rows, cols, err = extent(rows, cols, xs, ys)
	if err != nil {
		return nil, err
	}

	byDay := make(map[int]kde.Raster)
	for i, r := range records {
		day, err := observationDay(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		raster, ok := byDay[day]
		if !ok {
			raster = kde.NewRaster(rows, cols)
			nan := float32(math.NaN())
			for j := range raster.Values {
				raster.Values[j] = nan
			}
			byDay[day] = raster
		}
		raster.Set(r.Y, r.X, float32(r.VI))
	}

	days := make([]int, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Ints(days)

	obs := make([]kde.Observation, len(days))
	for i, d := range days {
		obs[i] = kde.Observation{Day: d, VI: byDay[d]}
	}
	return obs, nil
}

func observationDay(r ObservationRow) (int, error) {
	if strings.TrimSpace(r.DOY) != "" {
		return parseDay(r.DOY)
	}
	if r.Date == "" {
		return 0, fmt.Errorf("%w: neither doy nor date given", kde.ErrInvalidInput)
	}
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(r.Date))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid date %q", kde.ErrInvalidInput, r.Date)
	}
	return season.DayOfYear(date)
}

// ScoreRows flattens scored observations into one row per pixel.
func ScoreRows(observations []kde.Observation, results []*kde.Result) []ScoreRow {
	var records []ScoreRow
	for i, res := range results {
		obs := observations[i]
		for idx := range res.Flags {
			records = append(records, ScoreRow{
				DOY:         res.Day,
				X:           idx % res.Probability.Cols,
				Y:           idx / res.Probability.Cols,
				Observed:    float64(obs.VI.Values[idx]),
				Probability: float64(res.Probability.Values[idx]),
				Delta:       float64(res.Delta.Values[idx]),
				Flags:       res.Flags[idx].String(),
			})
		}
	}
	return records
}

func SaveScores(path string, observations []kde.Observation, results []*kde.Result) error {
	if len(observations) != len(results) {
		return fmt.Errorf("%d observations for %d results", len(observations), len(results))
	}
	return writeRows(path, ScoreRows(observations, results))
}

func LoadScores(path string) ([]ScoreRow, error) {
	return readRows[ScoreRow](path)
}
