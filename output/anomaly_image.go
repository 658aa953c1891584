// Package output renders scored observations as JPEG heat maps and GeoJSON.
package output

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"

	"github.com/forest-guardian/vi-anomaly/internal/kde"
)

const (
	legendHeight = 60
	minWidth     = 220
)

type legend struct {
	title  string
	min    float64
	max    float64
	colors func(float64) color.RGBA
}

// CreateAnomalyImage draws the coverage probability of each pixel. Pixels
// with a flag are grey. Every raster pixel becomes a scale x scale block.
func CreateAnomalyImage(res *kde.Result, outputPath string, scale int) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", kde.ErrInvalidInput)
	}
	return renderHeatMap(res.Probability, res.Flags, outputPath, scale, legend{
		title:  fmt.Sprintf("Probability, day %d", res.Day),
		min:    0,
		max:    1,
		colors: valueToColor,
	})
}

// CreateDeltaImage draws the deviation from the modal VI on a diverging ramp
// clipped to [-maxAbs, maxAbs]. A non-positive maxAbs uses the largest
// absolute delta of the unflagged pixels.
func CreateDeltaImage(res *kde.Result, outputPath string, scale int, maxAbs float64) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", kde.ErrInvalidInput)
	}
	if maxAbs <= 0 {
		for i, v := range res.Delta.Values {
			if res.Flags[i] == kde.FlagNone && !isMissing(v) {
				maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
			}
		}
		if maxAbs == 0 {
			maxAbs = 1
		}
	}
	return renderHeatMap(res.Delta, res.Flags, outputPath, scale, legend{
		title:  fmt.Sprintf("Delta VI, day %d", res.Day),
		min:    -maxAbs,
		max:    maxAbs,
		colors: divergingColor,
	})
}

func renderHeatMap(raster kde.Raster, flags []kde.PixelFlag, outputPath string, scale int, lg legend) error {
	if raster.Rows <= 0 || raster.Cols <= 0 || len(raster.Values) != raster.Rows*raster.Cols {
		return fmt.Errorf("%w: raster %dx%d holds %d values", kde.ErrInvalidInput, raster.Rows, raster.Cols, len(raster.Values))
	}
	if len(flags) != len(raster.Values) {
		return fmt.Errorf("%w: %d flags for %d pixels", kde.ErrInvalidInput, len(flags), len(raster.Values))
	}
	if scale < 1 {
		scale = 1
	}

	width := raster.Cols * scale
	height := raster.Rows * scale

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for row := 0; row < raster.Rows; row++ {
		for col := 0; col < raster.Cols; col++ {
			idx := row*raster.Cols + col
			c := flaggedColor
			if v := raster.Values[idx]; flags[idx] == kde.FlagNone && !isMissing(v) {
				c = lg.colors(normalize(float64(v), lg.min, lg.max))
			}
			for y := row * scale; y < (row+1)*scale; y++ {
				for x := col * scale; x < (col+1)*scale; x++ {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}

	canvasWidth := max(width, minWidth)
	totalHeight := height + legendHeight

	dc := gg.NewContext(canvasWidth, totalHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.DrawImage(img, 0, 0)
	drawLegend(dc, lg, height, canvasWidth)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := jpeg.Encode(file, dc.Image(), &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

func drawLegend(dc *gg.Context, lg legend, top, width int) {
	legendX := 10.0
	barY := float64(top) + 22
	barWidth := float64(width) - 2*legendX
	barHeight := 12.0

	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(lg.title, legendX, float64(top)+10, 0, 0.5)

	steps := int(barWidth)
	for i := 0; i < steps; i++ {
		c := lg.colors(float64(i) / float64(max(steps-1, 1)))
		dc.SetRGB(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
		dc.DrawRectangle(legendX+float64(i), barY, 1, barHeight)
		dc.Fill()
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(legendX, barY, barWidth, barHeight)
	dc.SetLineWidth(1)
	dc.Stroke()

	labelY := barY + barHeight + 10
	dc.DrawStringAnchored(formatLabel(lg.min), legendX, labelY, 0, 0.5)
	dc.DrawStringAnchored(formatLabel((lg.min+lg.max)/2), legendX+barWidth/2, labelY, 0.5, 0.5)
	dc.DrawStringAnchored(formatLabel(lg.max), legendX+barWidth, labelY, 1, 0.5)
}

func formatLabel(v float64) string {
	if math.Abs(v) >= 10 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}
