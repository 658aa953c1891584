// Package season prepares dated VI rasters for the density engine: day-of-year
// conversion, season split, image screening, alignment and interpolation.
package season

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

// Image is one VI raster of a season. Day is the day-of-year used by the
// engine; it can differ from Date's calendar day once the season is aligned.
type Image struct {
	Date   time.Time
	Season int
	Day    int
	VI     kde.Raster
}

// DayOfYear returns the 1..365 day-of-year of t with the leap day excluded.
// Feb 29 has no day-of-year.
func DayOfYear(t time.Time) (int, error) {
	if t.Month() == time.February && t.Day() == 29 {
		return 0, fmt.Errorf("%w: %s is a leap day", kde.ErrInvalidInput, t.Format(time.DateOnly))
	}
	day := t.YearDay()
	if isLeap(t.Year()) && t.Month() > time.February {
		day--
	}
	return day, nil
}

// DateOfDay is the inverse of DayOfYear for a given year.
func DateOfDay(year, day int) time.Time {
	date := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day-1)
	if isLeap(year) && day >= 60 {
		date = date.AddDate(0, 0, 1)
	}
	return date
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func NewImage(date time.Time, vi kde.Raster) (Image, error) {
	day, err := DayOfYear(date)
	if err != nil {
		return Image{}, err
	}
	return Image{Date: date, Season: date.Year(), Day: day, VI: vi}, nil
}

// Seasons returns the distinct seasons of images in ascending order.
func Seasons(images []Image) []int {
	var seasons []int
	for _, img := range images {
		if !slices.Contains(seasons, img.Season) {
			seasons = append(seasons, img.Season)
		}
	}
	sort.Ints(seasons)
	return seasons
}

// Split separates the testing season from the training seasons. Seasons in
// exclude are dropped from both.
func Split(images []Image, testingSeason int, exclude []int) (training, testing []Image) {
	for _, img := range sortByDate(images) {
		if slices.Contains(exclude, img.Season) {
			continue
		}
		if img.Season == testingSeason {
			testing = append(testing, img)
		} else {
			training = append(training, img)
		}
	}
	return training, testing
}

// MissingFraction is the share of NaN pixels in the image.
func (img Image) MissingFraction() float64 {
	if len(img.VI.Values) == 0 {
		return 1
	}
	missing := 0
	for _, v := range img.VI.Values {
		if math.IsNaN(float64(v)) {
			missing++
		}
	}
	return float64(missing) / float64(len(img.VI.Values))
}

// KeepValid keeps the images whose missing fraction equals the lowest one of
// the set, which drops partially clouded acquisitions.
func KeepValid(images []Image) []Image {
	if len(images) == 0 {
		return nil
	}

	fractions := make([]float64, len(images))
	lowest := math.Inf(1)
	for i, img := range images {
		fractions[i] = img.MissingFraction()
		lowest = math.Min(lowest, fractions[i])
	}

	var kept []Image
	for i, img := range images {
		if fractions[i] <= lowest {
			kept = append(kept, img)
		}
	}
	return kept
}

// Align shifts every season back by its rounded offset in days. Images whose
// shifted day-of-year falls outside [1, days] are dropped, as are seasons
// without an offset.
func Align(images []Image, offsets map[int]float64, days int) []Image {
	var aligned []Image
	for _, img := range sortByDate(images) {
		offset, ok := offsets[img.Season]
		if !ok {
			continue
		}
		shift := int(math.RoundToEven(offset))
		if img.Day-shift <= 0 || img.Day-shift > days {
			continue
		}
		img.Day -= shift
		img.Date = img.Date.AddDate(0, 0, -shift)
		aligned = append(aligned, img)
	}
	return aligned
}

// BuildCorpus gathers the non-missing pixels of every image into a training corpus.
func BuildCorpus(images []Image) (*kde.Corpus, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no training images", kde.ErrInvalidInput)
	}

	rows, cols := images[0].VI.Rows, images[0].VI.Cols
	corpus := kde.NewCorpus(rows, cols)
	for _, img := range images {
		if err := checkExtent(img, rows, cols); err != nil {
			return nil, err
		}
		for idx, v := range img.VI.Values {
			if math.IsNaN(float64(v)) {
				continue
			}
			corpus.Samples[idx] = append(corpus.Samples[idx], kde.TrainingSample{Day: img.Day, VI: float64(v)})
		}
	}
	return corpus, nil
}

// Observations converts testing images to engine observations, date order kept.
func Observations(images []Image) []kde.Observation {
	sorted := sortByDate(images)
	obs := make([]kde.Observation, len(sorted))
	for i, img := range sorted {
		obs[i] = kde.Observation{Day: img.Day, VI: img.VI}
	}
	return obs
}

func checkExtent(img Image, rows, cols int) error {
	if img.VI.Rows != rows || img.VI.Cols != cols || len(img.VI.Values) != rows*cols {
		return fmt.Errorf("%w: image of %s is %dx%d, field is %dx%d",
			kde.ErrInvalidInput, img.Date.Format(time.DateOnly), img.VI.Rows, img.VI.Cols, rows, cols)
	}
	return nil
}

func sortByDate(images []Image) []Image {
	sorted := slices.Clone(images)
	slices.SortStableFunc(sorted, func(a, b Image) int {
		return a.Date.Compare(b.Date)
	})
	return sorted
}
