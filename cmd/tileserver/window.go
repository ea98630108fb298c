// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Affine is the 6-coefficient transform mapping pixel indices to
// georeferenced coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
//
// For north-up rasters B and D are zero, A is the pixel width, E the
// negative pixel height, and (C, F) the top-left corner.
type Affine struct {
	A, B, C, D, E, F float64
}

func (t Affine) String() string {
	return fmt.Sprintf("Affine(%g, %g, %g, %g, %g, %g)", t.A, t.B, t.C, t.D, t.E, t.F)
}

// Apply maps pixel coordinates to georeferenced coordinates.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// Invert returns the inverse transform, mapping georeferenced
// coordinates back to pixel coordinates.
func (t Affine) Invert() (Affine, error) {
	det := t.A*t.E - t.B*t.D
	if det == 0 {
		return Affine{}, errors.New("affine transform is not invertible")
	}
	idet := 1 / det
	inv := Affine{
		A: t.E * idet,
		B: -t.B * idet,
		D: -t.D * idet,
		E: t.A * idet,
	}
	inv.C = -(inv.A*t.C + inv.B*t.F)
	inv.F = -(inv.D*t.C + inv.E*t.F)
	return inv, nil
}

// Window is a rectangle in raster pixel space.
type Window struct {
	X      int // column offset of top-left corner
	Y      int // row offset of top-left corner
	Width  int
	Height int
}

func (w Window) String() string {
	return fmt.Sprintf("Window(x: %d, y: %d, width: %d, height: %d)", w.X, w.Y, w.Width, w.Height)
}

var errEmptyWindow = errors.New("bounding box does not intersect the raster extent")

// ResolveWindow computes the pixel window of a raster that covers the
// given bounding box. The box is in geographic degrees (EPSG:4326);
// crs and transform describe the raster. The returned affine transform
// georeferences the windowed subset: same pixel size, origin shifted
// to the window's top-left corner.
//
// The window is clamped to the raster extent. Offsets round down and
// sizes round up so the window fully covers the requested extent. A
// box entirely outside the raster yields errEmptyWindow.
func ResolveWindow(bbox orb.Bound, crs string, transform Affine, rasterWidth, rasterHeight int) (Window, Affine, error) {
	inv, err := transform.Invert()
	if err != nil {
		return Window{}, Affine{}, err
	}

	// Project all four corners, not just two: projections do not
	// generally preserve which corner is extreme.
	corners := [4]orb.Point{
		{bbox.Min[0], bbox.Min[1]},
		{bbox.Min[0], bbox.Max[1]},
		{bbox.Max[0], bbox.Min[1]},
		{bbox.Max[0], bbox.Max[1]},
	}

	minCol, minRow := math.Inf(1), math.Inf(1)
	maxCol, maxRow := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y, err := projectFromWGS84(c[0], c[1], crs)
		if err != nil {
			return Window{}, Affine{}, err
		}
		col, row := inv.Apply(x, y)
		minCol = math.Min(minCol, col)
		maxCol = math.Max(maxCol, col)
		minRow = math.Min(minRow, row)
		maxRow = math.Max(maxRow, row)
	}

	minCol = math.Max(minCol, 0)
	minRow = math.Max(minRow, 0)
	maxCol = math.Min(maxCol, float64(rasterWidth))
	maxRow = math.Min(maxRow, float64(rasterHeight))

	x := int(math.Floor(minCol))
	y := int(math.Floor(minRow))
	width := int(math.Ceil(maxCol)) - x
	height := int(math.Ceil(maxRow)) - y

	if width <= 0 || height <= 0 {
		return Window{}, Affine{}, errEmptyWindow
	}

	win := Window{X: x, Y: y, Width: width, Height: height}
	return win, windowTransform(win, transform), nil
}

// windowTransform derives the affine transform for a window within a
// raster: identical pixel size, origin moved to the window corner.
func windowTransform(w Window, transform Affine) Affine {
	x, y := transform.Apply(float64(w.X), float64(w.Y))
	out := transform
	out.C = x
	out.F = y
	return out
}

// projectFromWGS84 projects a lon/lat coordinate into the raster's
// coordinate reference system. Supported: EPSG:4326 (identity),
// EPSG:3857 (spherical mercator) and the UTM zones EPSG:326xx /
// EPSG:327xx that Sentinel-2 and Landsat scenes are gridded in.
func projectFromWGS84(lon, lat float64, crs string) (x, y float64, err error) {
	var epsg int
	if _, err := fmt.Sscanf(crs, "EPSG:%d", &epsg); err != nil {
		return 0, 0, fmt.Errorf("unsupported CRS %q", crs)
	}

	switch {
	case epsg == 4326:
		return lon, lat, nil
	case epsg == 3857:
		x, y = wgs84ToMercator(lon, lat)
		return x, y, nil
	case epsg >= 32601 && epsg <= 32660:
		x, y = wgs84ToUTM(lon, lat, epsg-32600, true)
		return x, y, nil
	case epsg >= 32701 && epsg <= 32760:
		x, y = wgs84ToUTM(lon, lat, epsg-32700, false)
		return x, y, nil
	default:
		return 0, 0, fmt.Errorf("unsupported CRS %q", crs)
	}
}

// wgs84ToMercator converts lon/lat degrees to Web Mercator meters.
func wgs84ToMercator(lon, lat float64) (x, y float64) {
	const maxMercator = 20037508.342789244
	x = lon / 180.0 * maxMercator
	y = math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) / math.Pi * maxMercator
	return x, y
}

// wgs84ToUTM converts lon/lat degrees to UTM easting/northing for the
// given zone, using the standard series expansion on the WGS 84
// ellipsoid (Snyder, Map Projections: A Working Manual, eq. 8-9..8-13).
func wgs84ToUTM(lon, lat float64, zone int, north bool) (easting, northing float64) {
	const (
		a  = 6378137.0         // WGS 84 semi-major axis
		f  = 1 / 298.257223563 // WGS 84 flattening
		k0 = 0.9996            // UTM scale factor at central meridian
		e0 = 500000.0          // false easting
	)
	e2 := f * (2 - f)
	ep2 := e2 / (1 - e2)

	phi := lat * math.Pi / 180
	lambda := lon * math.Pi / 180
	lambda0 := float64(zone*6-183) * math.Pi / 180

	sinPhi, cosPhi := math.Sincos(phi)
	tanPhi := sinPhi / cosPhi

	n := a / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	aa := cosPhi * (lambda - lambda0)

	m := a * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*phi -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*phi) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*phi) -
		(35*e2*e2*e2/3072)*math.Sin(6*phi))

	easting = e0 + k0*n*(aa+(1-t+c)*aa*aa*aa/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(aa, 5)/120)
	northing = k0 * (m + n*tanPhi*(aa*aa/2+(5-t+9*c+4*c*c)*math.Pow(aa, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(aa, 6)/720))
	if !north {
		northing += 10000000.0 // false northing, southern hemisphere
	}
	return easting, northing
}
