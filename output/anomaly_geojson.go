package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

// Locator gives the latitude and longitude of a pixel centre.
type Locator interface {
	PixelLatLon(row, col int) (float64, float64, error)
}

// AnomalyFeatures builds one point feature per pixel. Missing values are
// written as null.
func AnomalyFeatures(res *kde.Result, obs kde.Observation, loc Locator) (*geojson.FeatureCollection, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: nil result", kde.ErrInvalidInput)
	}
	rows, cols := res.Probability.Rows, res.Probability.Cols
	if obs.VI.Rows != rows || obs.VI.Cols != cols || len(res.Flags) != rows*cols {
		return nil, fmt.Errorf("%w: observation %dx%d does not match result %dx%d",
			kde.ErrInvalidInput, obs.VI.Rows, obs.VI.Cols, rows, cols)
	}

	fc := geojson.NewFeatureCollection()
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			lat, lon, err := loc.PixelLatLon(row, col)
			if err != nil {
				return nil, fmt.Errorf("failed to locate pixel (%d,%d): %w", row, col, err)
			}

			idx := row*cols + col
			f := geojson.NewFeature(orb.Point{lon, lat})
			f.Properties["row"] = row
			f.Properties["col"] = col
			f.Properties["doy"] = res.Day
			f.Properties["observed"] = nullable(obs.VI.Values[idx])
			f.Properties["probability"] = nullable(res.Probability.Values[idx])
			f.Properties["delta"] = nullable(res.Delta.Values[idx])
			f.Properties["flags"] = res.Flags[idx].String()
			fc.Append(f)
		}
	}
	return fc, nil
}

// CreateAnomalyGeoJSON writes the pixel features of a scored observation.
func CreateAnomalyGeoJSON(res *kde.Result, obs kde.Observation, loc Locator, outputPath string) error {
	fc, err := AnomalyFeatures(res, obs, loc)
	if err != nil {
		return err
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write GeoJSON file: %w", err)
	}
	return nil
}

func nullable(v float32) any {
	if isMissing(v) {
		return nil
	}
	return float64(v)
}
