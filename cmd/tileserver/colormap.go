// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"fmt"
	"image/color"
	"sort"
	"strings"

	"github.com/fogleman/gg"
)

// colormaps holds the control points of every supported color ramp.
// Full 256-entry ramps are interpolated from these on demand.
var colormaps = map[string][]color.RGBA{
	"viridis": {
		{68, 1, 84, 255}, {59, 82, 139, 255}, {33, 145, 140, 255},
		{94, 201, 98, 255}, {253, 231, 37, 255},
	},
	"inferno": {
		{0, 0, 4, 255}, {87, 16, 110, 255}, {188, 55, 84, 255},
		{249, 142, 9, 255}, {252, 255, 164, 255},
	},
	"magma": {
		{0, 0, 4, 255}, {81, 18, 124, 255}, {183, 55, 121, 255},
		{252, 137, 97, 255}, {252, 253, 191, 255},
	},
	"plasma": {
		{13, 8, 135, 255}, {126, 3, 168, 255}, {204, 71, 120, 255},
		{248, 149, 64, 255}, {240, 249, 33, 255},
	},
	"rdylgn": {
		{165, 0, 38, 255}, {253, 174, 97, 255}, {255, 255, 191, 255},
		{166, 217, 106, 255}, {0, 104, 55, 255},
	},
	"ylgnbu": {
		{255, 255, 217, 255}, {199, 233, 180, 255}, {65, 182, 196, 255},
		{34, 94, 168, 255}, {8, 29, 88, 255},
	},
	"ylorbr": {
		{255, 255, 229, 255}, {254, 227, 145, 255}, {254, 153, 41, 255},
		{204, 76, 2, 255}, {102, 37, 6, 255},
	},
	"spectral": {
		{158, 1, 66, 255}, {253, 174, 97, 255}, {255, 255, 191, 255},
		{171, 221, 164, 255}, {94, 79, 162, 255},
	},
	"terrain": {
		{51, 51, 153, 255}, {0, 153, 153, 255}, {0, 204, 102, 255},
		{255, 255, 128, 255}, {153, 102, 51, 255}, {255, 255, 255, 255},
	},
	"gray": {
		{0, 0, 0, 255}, {255, 255, 255, 255},
	},
}

// colormapNames returns the supported colormap names, sorted.
func colormapNames() []string {
	names := make([]string, 0, len(colormaps))
	for name := range colormaps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func interpolateChannel(a, b uint8, i, sectionLength int) uint8 {
	return a + uint8(i*(int(b)-int(a))/sectionLength)
}

func interpolateColor(a, b color.RGBA, i, sectionLength int) color.RGBA {
	return color.RGBA{
		interpolateChannel(a.R, b.R, i, sectionLength),
		interpolateChannel(a.G, b.G, i, sectionLength),
		interpolateChannel(a.B, b.B, i, sectionLength),
		255,
	}
}

// rampFor builds a 256-entry ramp by interpolating between the named
// colormap's control points. Unknown names fall back to viridis, so a
// misspelled colormap still yields a usable image; fellBack reports
// whether that happened.
func rampFor(name string) (ramp [256]color.RGBA, fellBack bool) {
	stops, ok := colormaps[strings.ToLower(name)]
	if !ok {
		stops = colormaps["viridis"]
		fellBack = true
	}

	bins := len(stops) - 1
	sectionLength := 256 / bins
	index := 0
	for section := 0; section < bins; section++ {
		length := sectionLength
		if section == bins-1 {
			length = 256 - index // last section absorbs the remainder
		}
		// Interpolating over length-1 makes each section end exactly
		// on its stop, so ramp[255] is the final control color.
		for i := 0; i < length; i++ {
			ramp[index] = interpolateColor(stops[section], stops[section+1], i, length-1)
			index++
		}
	}
	return ramp, fellBack
}

// renderColormapPreview draws a horizontal swatch of the named ramp as
// a PNG, for catalogs and frontends that want to show users what each
// colormap looks like.
func renderColormapPreview(name string, width, height int) ([]byte, error) {
	if _, ok := colormaps[strings.ToLower(name)]; !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	ramp, _ := rampFor(name)

	dc := gg.NewContext(width, height)
	for x := 0; x < width; x++ {
		c := ramp[x*256/width]
		dc.SetRGB255(int(c.R), int(c.G), int(c.B))
		dc.DrawRectangle(float64(x), 0, 1, float64(height))
		dc.Fill()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
