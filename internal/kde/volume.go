package kde

import "fmt"

// Volume is a [bin, day, row, col] array stored pixel-major: the Days×Bins
// block of one pixel is contiguous, so per-pixel workers own disjoint ranges.
type Volume struct {
	Grid Grid      `json:"grid"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

func NewVolume(grid Grid, rows, cols int) *Volume {
	return &Volume{
		Grid: grid,
		Rows: rows,
		Cols: cols,
		Data: make([]float32, rows*cols*grid.Days*grid.Bins),
	}
}

func (v *Volume) pixelStride() int {
	return v.Grid.Days * v.Grid.Bins
}

// index is 0-based in every coordinate.
func (v *Volume) index(bin, day, row, col int) int {
	return ((row*v.Cols+col)*v.Grid.Days+day)*v.Grid.Bins + bin
}

// At returns the value at a bin, a 1-based day-of-year and a pixel.
func (v *Volume) At(bin, day, row, col int) float32 {
	return v.Data[v.index(bin, day-1, row, col)]
}

// Slice returns the Bins values of one (day, pixel), day-of-year 1-based.
// The returned slice aliases the volume.
func (v *Volume) Slice(day, row, col int) []float32 {
	start := v.index(0, day-1, row, col)
	return v.Data[start : start+v.Grid.Bins]
}

// Pixel returns the contiguous Days×Bins block of the pixel with row-major index idx.
func (v *Volume) Pixel(idx int) []float32 {
	stride := v.pixelStride()
	return v.Data[idx*stride : (idx+1)*stride]
}

func (v *Volume) Pixels() int {
	return v.Rows * v.Cols
}

func (v *Volume) validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrInvalidInput)
	}
	if err := v.Grid.Validate(); err != nil {
		return err
	}
	if v.Rows <= 0 || v.Cols <= 0 {
		return fmt.Errorf("%w: volume extent %dx%d", ErrInvalidInput, v.Rows, v.Cols)
	}
	if want := v.Rows * v.Cols * v.pixelStride(); len(v.Data) != want {
		return fmt.Errorf("%w: volume holds %d values, want %d", ErrInvalidInput, len(v.Data), want)
	}
	return nil
}

// DensityVolume is the raw joint density of every pixel plus the per-pixel
// diagnostics gathered while estimating it.
type DensityVolume struct {
	Volume
	Bandwidths []BandwidthPair `json:"bandwidths"`
	Flags      []PixelFlag     `json:"flags"`
}

// Flag returns the estimation flags of the pixel at (row, col).
func (d *DensityVolume) Flag(row, col int) PixelFlag {
	return d.Flags[row*d.Cols+col]
}
