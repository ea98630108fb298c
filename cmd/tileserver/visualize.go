// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// VisualizeOptions controls how a raster is rendered to PNG.
type VisualizeOptions struct {
	// Bands selects which bands to render, 1-indexed. Empty means the
	// first three bands for multi-band rasters, or the single band.
	Bands []int
	// Rescale is an explicit "min,max" stretch. Empty means automatic
	// percentile stretching.
	Rescale string
	// Colormap names the color ramp for single-band renderings.
	Colormap string
}

// Percentiles for the automatic contrast stretch. Clipping the darkest
// and brightest two percent keeps sensor outliers from washing out the
// image.
const (
	stretchLowPercentile  = 2.0
	stretchHighPercentile = 98.0
)

// Visualize renders a GeoTIFF to a PNG file next to it and returns
// the PNG's path and size. The caller owns both files.
func Visualize(tiffPath string, opts VisualizeOptions) (string, int64, error) {
	raster, err := OpenRaster(tiffPath, nil)
	if err != nil {
		return "", 0, visualizationError(err)
	}
	grid, err := raster.Read(nil)
	meta := raster.Metadata()
	raster.Close()
	if err != nil {
		return "", 0, visualizationError(err)
	}

	img, err := renderImage(grid, meta, opts)
	if err != nil {
		return "", 0, visualizationError(err)
	}

	pngPath := strings.TrimSuffix(tiffPath, ".tif") + ".png"
	out, err := os.Create(pngPath)
	if err != nil {
		return "", 0, visualizationError(err)
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		os.Remove(pngPath)
		return "", 0, visualizationError(err)
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		os.Remove(pngPath)
		return "", 0, visualizationError(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(pngPath)
		return "", 0, visualizationError(err)
	}
	return pngPath, info.Size(), nil
}

// renderImage turns raster samples into an RGBA image. Multi-band
// input becomes an RGB composite; single-band input is normalized and
// run through a color ramp. Pixels that are nodata in any rendered
// band come out black.
func renderImage(grid *Grid, meta Metadata, opts VisualizeOptions) (*image.RGBA, error) {
	bandIdx, err := selectBands(grid.Bands, opts.Bands)
	if err != nil {
		return nil, err
	}

	// Satellite products conventionally use 0 as fill when no nodata
	// value is declared. NaN samples are masked either way.
	nodata := 0.0
	if meta.Nodata != nil {
		nodata = *meta.Nodata
	}

	// Normalize each band independently so that bands with different
	// radiometric ranges still composite into a balanced image.
	normalized := make([][]float64, len(bandIdx))
	masks := make([][]bool, len(bandIdx))
	var g errgroup.Group
	for i, band := range bandIdx {
		i, band := i, band
		g.Go(func() error {
			samples := grid.Band(band)
			mask := nodataMask(samples, nodata)
			lo, hi, err := stretchRange(samples, mask, opts.Rescale)
			if err != nil {
				return err
			}
			normalized[i] = normalize(samples, mask, lo, hi)
			masks[i] = mask
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// A pixel missing in any band is missing in the composite.
	combined := masks[0]
	for _, mask := range masks[1:] {
		for i, m := range mask {
			if m {
				combined[i] = true
			}
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, grid.Width, grid.Height))
	if len(bandIdx) == 1 {
		// Without a colormap, single-band output is plain grayscale.
		name := opts.Colormap
		if name == "" {
			name = "gray"
		}
		ramp, fellBack := rampFor(name)
		if fellBack {
			logger.Printf("unknown colormap %q, using viridis", opts.Colormap)
		}
		fillSingleBand(img, normalized[0], combined, &ramp)
	} else {
		fillComposite(img, normalized, combined)
	}
	return img, nil
}

// selectBands resolves the 1-indexed band selection to 0-indexed band
// numbers, defaulting to the first three bands (or fewer).
func selectBands(available int, requested []int) ([]int, error) {
	if len(requested) == 0 {
		n := available
		if n > 3 {
			n = 3
		}
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	if len(requested) != 1 && len(requested) != 3 {
		return nil, fmt.Errorf("band selection must name 1 or 3 bands, got %d", len(requested))
	}
	idx := make([]int, len(requested))
	for i, b := range requested {
		if b < 1 || b > available {
			return nil, fmt.Errorf("band %d out of range, raster has %d bands", b, available)
		}
		idx[i] = b - 1
	}
	return idx, nil
}

// nodataMask marks samples that equal the nodata value or are NaN.
func nodataMask(samples []float64, nodata float64) []bool {
	mask := make([]bool, len(samples))
	for i, v := range samples {
		mask[i] = math.IsNaN(v) || v == nodata
	}
	return mask
}

// stretchRange determines the (lo, hi) stretch for one band. An
// explicit "min,max" rescale wins; a malformed one is logged and
// ignored so a bad query parameter degrades to the automatic stretch
// instead of failing the whole rendering.
func stretchRange(samples []float64, mask []bool, rescale string) (lo, hi float64, err error) {
	if rescale != "" {
		lo, hi, err := parseRescale(rescale)
		if err == nil {
			return lo, hi, nil
		}
		logger.Printf("ignoring malformed rescale %q: %v", rescale, err)
	}

	valid := make([]float64, 0, len(samples))
	for i, v := range samples {
		if !mask[i] {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, 0, nil
	}
	sort.Float64s(valid)
	return percentile(valid, stretchLowPercentile), percentile(valid, stretchHighPercentile), nil
}

func parseRescale(s string) (lo, hi float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want \"min,max\"")
	}
	lo, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	hi, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	if hi <= lo {
		return 0, 0, fmt.Errorf("max must exceed min")
	}
	return lo, hi, nil
}

// percentile computes the p-th percentile of sorted values with
// linear interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// normalize scales samples into [0, 1] against the stretch range.
func normalize(samples []float64, mask []bool, lo, hi float64) []float64 {
	out := make([]float64, len(samples))
	span := hi - lo
	for i, v := range samples {
		if mask[i] || span <= 0 {
			continue
		}
		n := (v - lo) / span
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}

func fillSingleBand(img *image.RGBA, values []float64, mask []bool, ramp *[256]color.RGBA) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := y*bounds.Dx() + x
			if mask[i] {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
				continue
			}
			img.SetRGBA(x, y, ramp[int(values[i]*255)])
		}
	}
}

func fillComposite(img *image.RGBA, bands [][]float64, mask []bool) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := y*bounds.Dx() + x
			if mask[i] {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{
				uint8(bands[0][i] * 255),
				uint8(bands[1][i] * 255),
				uint8(bands[2][i] * 255),
				255,
			})
		}
	}
}
