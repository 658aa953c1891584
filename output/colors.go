package output

import (
	"image/color"
	"math"
)

var flaggedColor = color.RGBA{R: 160, G: 160, B: 160, A: 255}

func normalize(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	norm := (value - min) / (max - min)
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}

// valueToColor maps [0, 1] to a blue, green, red ramp.
func valueToColor(norm float64) color.RGBA {
	var r, g, b uint8
	if norm <= 0.5 {
		ratio := norm / 0.5
		r = 0
		g = uint8(255 * ratio)
		b = uint8(255 * (1 - ratio))
	} else {
		ratio := (norm - 0.5) / 0.5
		r = uint8(255 * ratio)
		g = uint8(255 * (1 - ratio))
		b = 0
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// divergingColor maps [0, 1] to red, white, blue with white at 0.5.
// Browning (negative delta) is red and greening is blue.
func divergingColor(norm float64) color.RGBA {
	if norm <= 0.5 {
		ratio := norm / 0.5
		return color.RGBA{R: 255, G: uint8(255 * ratio), B: uint8(255 * ratio), A: 255}
	}
	ratio := (norm - 0.5) / 0.5
	return color.RGBA{R: uint8(255 * (1 - ratio)), G: uint8(255 * (1 - ratio)), B: 255, A: 255}
}

func isMissing(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
