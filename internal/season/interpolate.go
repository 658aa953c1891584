package season

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

// SmoothOptions configures the Savitzky-Golay filter applied after interpolation.
type SmoothOptions struct {
	Enabled bool
	Window  int
	Order   int
}

// Interpolate resamples each season to every step-th day between its first
// and last image, linearly per pixel. Missing values are skipped as anchors;
// a pixel without any valid value stays NaN.
func Interpolate(images []Image, step int, smooth SmoothOptions) ([]Image, error) {
	if step < 1 {
		return nil, fmt.Errorf("%w: interpolation step must be positive, got %d", kde.ErrInvalidInput, step)
	}
	if len(images) == 0 {
		return nil, nil
	}

	rows, cols := images[0].VI.Rows, images[0].VI.Cols
	var out []Image
	for _, s := range Seasons(images) {
		var seasonImages []Image
		for _, img := range sortByDate(images) {
			if img.Season != s {
				continue
			}
			if err := checkExtent(img, rows, cols); err != nil {
				return nil, err
			}
			seasonImages = append(seasonImages, img)
		}
		sort.SliceStable(seasonImages, func(i, j int) bool { return seasonImages[i].Day < seasonImages[j].Day })

		first, last := seasonImages[0].Day, seasonImages[len(seasonImages)-1].Day
		var days []int
		for d := first; d <= last; d += step {
			days = append(days, d)
		}

		resampled := make([]Image, len(days))
		for i, d := range days {
			resampled[i] = Image{Date: DateOfDay(s, d), Season: s, Day: d, VI: kde.NewRaster(rows, cols)}
		}

		xs := make([]float64, 0, len(seasonImages))
		ys := make([]float64, 0, len(seasonImages))
		series := make([]float64, len(days))
		for idx := 0; idx < rows*cols; idx++ {
			xs, ys = xs[:0], ys[:0]
			for _, img := range seasonImages {
				v := float64(img.VI.Values[idx])
				if math.IsNaN(v) {
					continue
				}
				xs = append(xs, float64(img.Day))
				ys = append(ys, v)
			}

			for i, d := range days {
				series[i] = interp(float64(d), xs, ys)
			}
			if smooth.Enabled && len(xs) > 0 {
				smoothed, err := Smooth(series, smooth.Window, smooth.Order)
				if err != nil {
					return nil, err
				}
				copy(series, smoothed)
			}
			for i := range days {
				resampled[i].VI.Values[idx] = float32(series[i])
			}
		}
		out = append(out, resampled...)
	}
	return out, nil
}

// interp evaluates the piecewise linear function through (xs, ys) at x,
// clamping to the end values outside the anchors. xs must be ascending.
func interp(x float64, xs, ys []float64) float64 {
	switch {
	case len(xs) == 0:
		return math.NaN()
	case x <= xs[0]:
		return ys[0]
	case x >= xs[len(xs)-1]:
		return ys[len(ys)-1]
	}
	i := sort.SearchFloat64s(xs, x)
	if xs[i] == x {
		return ys[i]
	}
	t := (x - xs[i-1]) / (xs[i] - xs[i-1])
	return ys[i-1] + t*(ys[i]-ys[i-1])
}

// Smooth applies a Savitzky-Golay filter: each value is replaced by a
// least-squares polynomial of the given order fitted over a window of
// neighbours. Near the edges the first and last full windows are used and
// evaluated at the edge positions. A window longer than the series is
// shortened to it; a window not longer than order leaves values unchanged.
func Smooth(values []float64, window, order int) ([]float64, error) {
	if order < 0 || window < 1 {
		return nil, fmt.Errorf("%w: savitzky-golay window %d order %d", kde.ErrInvalidInput, window, order)
	}

	n := len(values)
	out := make([]float64, n)
	copy(out, values)
	if window > n {
		window = n
	}
	if window <= order {
		return out, nil
	}

	weights, err := savgolWeights(window, order)
	if err != nil {
		return nil, err
	}

	half := (window - 1) / 2
	for i := 0; i < n; i++ {
		start := min(max(i-half, 0), n-window)
		w := weights[i-start]
		var acc float64
		for j, wj := range w {
			acc += wj * values[start+j]
		}
		out[i] = acc
	}
	return out, nil
}

// savgolWeights returns, for every position p inside a window, the weights
// that evaluate the least-squares polynomial fit of the window at p.
func savgolWeights(window, order int) ([][]float64, error) {
	k := order + 1
	center := float64(window-1) / 2
	scale := math.Max(center, 1)

	a := mat.NewDense(window, k, nil)
	for j := 0; j < window; j++ {
		x := (float64(j) - center) / scale
		for c := 0; c < k; c++ {
			a.Set(j, c, math.Pow(x, float64(c)))
		}
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)

	weights := make([][]float64, window)
	for p := 0; p < window; p++ {
		x := (float64(p) - center) / scale
		e := mat.NewVecDense(k, nil)
		for c := 0; c < k; c++ {
			e.SetVec(c, math.Pow(x, float64(c)))
		}

		var sol mat.VecDense
		if err := sol.SolveVec(&ata, e); err != nil {
			return nil, fmt.Errorf("savitzky-golay fit: %w", err)
		}

		var w mat.VecDense
		w.MulVec(a, &sol)
		weights[p] = make([]float64, window)
		for j := range weights[p] {
			weights[p][j] = w.AtVec(j)
		}
	}
	return weights, nil
}
