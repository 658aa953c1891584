// Package sentinel reads Sentinel-2 GeoTIFF stacks into VI rasters and writes
// result rasters back as GeoTIFF.
package sentinel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/godal"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
	"github.com/forest-guardian/vi-anomaly/internal/season"
	"github.com/forest-guardian/vi-anomaly/internal/utils"
)

// ErrNoImages is returned when a field directory holds no usable image.
var ErrNoImages = errors.New("no images found")

// NoDataValue marks flagged or missing pixels in written rasters.
const NoDataValue = -9999.0

// VIScale maps a normalized difference in [-1, 1] to integer-scaled VI units.
const VIScale = 10000.0

// Bands holds the 1-based band numbers of the near-infrared and red
// reflectances in the downloaded images.
type Bands struct {
	NIR int
	Red int
}

// DefaultBands matches the B05,B08,B11,B02,B04,B06,CLD,SCL layout of the downloads.
func DefaultBands() Bands {
	return Bands{NIR: 2, Red: 5}
}

type GeoReference struct {
	GeoTransform [6]float64
	Projection   string
}

var registerOnce sync.Once

func registerDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

func ImageName(field string, date time.Time) string {
	return fmt.Sprintf("%s_%s.tif", field, date.Format(time.DateOnly))
}

// ParseImageName extracts the acquisition date from a <field>_<YYYY-MM-DD>.tif name.
func ParseImageName(field, name string) (time.Time, bool) {
	prefix := field + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".tif") {
		return time.Time{}, false
	}
	date, err := time.Parse(time.DateOnly, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".tif"))
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// ListImages maps acquisition dates to the image files of field in dir.
func ListImages(dir, field string) (map[time.Time]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images in %s: %w", dir, err)
	}

	images := make(map[time.Time]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if date, ok := ParseImageName(field, entry.Name()); ok {
			images[date] = filepath.Join(dir, entry.Name())
		}
	}
	return images, nil
}

// ComputeVI returns (NIR-Red)/(NIR+Red) scaled to VI units. Pixels with a zero
// denominator or a nodata reflectance are NaN.
func ComputeVI(nir, red []float64, nirNoData, redNoData *float64) []float32 {
	out := make([]float32, len(nir))
	nan := float32(math.NaN())
	for i := range nir {
		n, r := nir[i], red[i]
		if (nirNoData != nil && n == *nirNoData) || (redNoData != nil && r == *redNoData) {
			out[i] = nan
			continue
		}
		den := n + r
		if den == 0 || math.IsNaN(den) {
			out[i] = nan
			continue
		}
		out[i] = float32((n - r) / den * VIScale)
	}
	return out
}

// ReadStack reads every image of field in dir, oldest first. Leap-day
// acquisitions have no day-of-year and are skipped.
func ReadStack(dir, field string, bands Bands, logger *slog.Logger) ([]season.Image, *GeoReference, error) {
	registerDrivers()

	paths, err := ListImages(dir, field)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("%w for field %s in %s", ErrNoImages, field, dir)
	}

	var (
		images []season.Image
		geo    *GeoReference
	)
	for _, date := range utils.GetSortedKeys(paths, true) {
		var (
			raster kde.Raster
			ref    GeoReference
			err    error
		)
		utils.ExecuteWithMutex(func() {
			raster, ref, err = readVI(paths[date], bands)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", paths[date], err)
		}

		img, err := season.NewImage(date, raster)
		if err != nil {
			logger.Warn("skipping leap day image", "field", field, "date", date.Format(time.DateOnly))
			continue
		}
		if geo == nil {
			geo = &ref
		} else if raster.Rows != images[0].VI.Rows || raster.Cols != images[0].VI.Cols {
			return nil, nil, fmt.Errorf("%w: image %s is %dx%d, stack is %dx%d", kde.ErrInvalidInput,
				date.Format(time.DateOnly), raster.Rows, raster.Cols, images[0].VI.Rows, images[0].VI.Cols)
		}
		images = append(images, img)
	}

	if len(images) == 0 {
		return nil, nil, fmt.Errorf("%w for field %s in %s: every acquisition is a leap day", ErrNoImages, field, dir)
	}

	logger.Info("image stack read", "field", field, "images", len(images))
	return images, geo, nil
}

func readVI(path string, bands Bands) (kde.Raster, GeoReference, error) {
	ds, err := godal.Open(path, godal.ErrLogger(func(ec godal.ErrorCategory, code int, msg string) error {
		if ec == godal.CE_Warning {
			return nil
		}
		return errors.New(msg)
	}))
	if err != nil {
		return kde.Raster{}, GeoReference{}, err
	}
	defer ds.Close()

	all := ds.Bands()
	if bands.NIR < 1 || bands.NIR > len(all) || bands.Red < 1 || bands.Red > len(all) {
		return kde.Raster{}, GeoReference{}, fmt.Errorf("bands %d/%d not in a %d band image", bands.NIR, bands.Red, len(all))
	}

	width := ds.Structure().SizeX
	height := ds.Structure().SizeY
	readBand := func(band godal.Band) ([]float64, *float64, error) {
		data := make([]float64, width*height)
		if err := band.Read(0, 0, data, width, height); err != nil {
			return nil, nil, err
		}
		if nd, ok := band.NoData(); ok {
			return data, &nd, nil
		}
		return data, nil, nil
	}

	nir, nirNoData, err := readBand(all[bands.NIR-1])
	if err != nil {
		return kde.Raster{}, GeoReference{}, fmt.Errorf("failed to read NIR band: %w", err)
	}
	red, redNoData, err := readBand(all[bands.Red-1])
	if err != nil {
		return kde.Raster{}, GeoReference{}, fmt.Errorf("failed to read red band: %w", err)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		return kde.Raster{}, GeoReference{}, fmt.Errorf("failed to get GeoTransform: %w", err)
	}

	raster := kde.Raster{Rows: height, Cols: width, Values: ComputeVI(nir, red, nirNoData, redNoData)}
	return raster, GeoReference{GeoTransform: gt, Projection: ds.Projection()}, nil
}

// MaskFlagged copies the raster values, replacing flagged pixels and NaN by NoDataValue.
func MaskFlagged(raster kde.Raster, flags []kde.PixelFlag) []float32 {
	out := make([]float32, len(raster.Values))
	for i, v := range raster.Values {
		if math.IsNaN(float64(v)) || (flags != nil && flags[i] != kde.FlagNone) {
			out[i] = NoDataValue
			continue
		}
		out[i] = v
	}
	return out
}

// WriteRaster writes a single band Float32 GeoTIFF. Flagged pixels are nodata.
func WriteRaster(path string, raster kde.Raster, flags []kde.PixelFlag, geo *GeoReference) error {
	registerDrivers()

	if flags != nil && len(flags) != len(raster.Values) {
		return fmt.Errorf("%w: %d flags for %d pixels", kde.ErrInvalidInput, len(flags), len(raster.Values))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var writeErr error
	utils.ExecuteWithMutex(func() {
		writeErr = writeRaster(path, raster, MaskFlagged(raster, flags), geo)
	})
	return writeErr
}

func writeRaster(path string, raster kde.Raster, data []float32, geo *GeoReference) error {
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float32, raster.Cols, raster.Rows)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if geo != nil {
		if err := ds.SetGeoTransform(geo.GeoTransform); err != nil {
			ds.Close()
			return fmt.Errorf("failed to set GeoTransform: %w", err)
		}
		if geo.Projection != "" {
			if err := ds.SetProjection(geo.Projection); err != nil {
				ds.Close()
				return fmt.Errorf("failed to set projection: %w", err)
			}
		}
	}

	band := ds.Bands()[0]
	if err := band.SetNoData(NoDataValue); err != nil {
		ds.Close()
		return fmt.Errorf("failed to set nodata: %w", err)
	}
	if err := band.Write(0, 0, data, raster.Cols, raster.Rows); err != nil {
		ds.Close()
		return fmt.Errorf("failed to write raster: %w", err)
	}
	return ds.Close()
}

// PixelCenter returns the projected coordinates of the centre of a pixel.
func PixelCenter(geo GeoReference, row, col int) (float64, float64) {
	gt := geo.GeoTransform
	x := gt[0] + gt[1]*(float64(col)+0.5) + gt[2]*(float64(row)+0.5)
	y := gt[3] + gt[4]*(float64(col)+0.5) + gt[5]*(float64(row)+0.5)
	return x, y
}

// LatLonTransformer converts pixel centres to WGS84 latitude and longitude.
type LatLonTransformer struct {
	geo GeoReference
	tr  *godal.Transform
	src *godal.SpatialRef
	dst *godal.SpatialRef
}

// NewLatLonTransformer builds a transformer from the stack projection. Without
// a projection the projected coordinates are returned unchanged.
func NewLatLonTransformer(geo GeoReference) (*LatLonTransformer, error) {
	registerDrivers()

	t := &LatLonTransformer{geo: geo}
	if geo.Projection == "" {
		return t, nil
	}

	src, err := godal.NewSpatialRefFromWKT(geo.Projection)
	if err != nil {
		return nil, fmt.Errorf("invalid projection: %w", err)
	}
	dst, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create WGS84 reference: %w", err)
	}
	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, fmt.Errorf("failed to create transform: %w", err)
	}
	t.src, t.dst, t.tr = src, dst, tr
	return t, nil
}

func (t *LatLonTransformer) PixelLatLon(row, col int) (float64, float64, error) {
	x, y := PixelCenter(t.geo, row, col)
	if t.tr == nil {
		return y, x, nil
	}

	xs := []float64{x}
	ys := []float64{y}
	if err := t.tr.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("transform error: %w", err)
	}
	return ys[0], xs[0], nil
}

func (t *LatLonTransformer) Close() {
	if t.tr != nil {
		t.tr.Close()
		t.src.Close()
		t.dst.Close()
	}
}
