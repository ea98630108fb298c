// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/valyala/fasthttp"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tag ids used by the reader and the writer.
const (
	tagImageWidth      = 256
	tagImageHeight     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileHeight      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoAsciiParams  = 34737
	tagGDALNodata      = 42113
)

// TIFF compression schemes.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946
)

// GeoTIFF keys.
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedCS    = 3072

	modelTypeProjected  = 1
	modelTypeGeographic = 2
)

// SampleType identifies the numeric type of raster samples.
type SampleType uint8

const (
	SampleUint8 SampleType = iota
	SampleInt8
	SampleUint16
	SampleInt16
	SampleUint32
	SampleInt32
	SampleFloat32
	SampleFloat64
)

// Size returns the sample size in bytes.
func (t SampleType) Size() int {
	switch t {
	case SampleUint8, SampleInt8:
		return 1
	case SampleUint16, SampleInt16:
		return 2
	case SampleFloat64:
		return 8
	default:
		return 4
	}
}

// sampleFormat returns the TIFF SampleFormat value: 1 for unsigned
// integers, 2 for signed integers, 3 for IEEE floating point.
func (t SampleType) sampleFormat() uint16 {
	switch t {
	case SampleInt8, SampleInt16, SampleInt32:
		return 2
	case SampleFloat32, SampleFloat64:
		return 3
	default:
		return 1
	}
}

func (t SampleType) String() string {
	switch t {
	case SampleUint8:
		return "uint8"
	case SampleInt8:
		return "int8"
	case SampleUint16:
		return "uint16"
	case SampleInt16:
		return "int16"
	case SampleUint32:
		return "uint32"
	case SampleInt32:
		return "int32"
	case SampleFloat32:
		return "float32"
	default:
		return "float64"
	}
}

// Metadata describes an open raster: dimensions, band count, sample
// type, the declared nodata value (nil if none), the coordinate
// reference ("EPSG:nnnn") and the pixel-to-coordinate transform.
type Metadata struct {
	Width      int
	Height     int
	Bands      int
	SampleType SampleType
	Nodata     *float64
	CRS        string
	Transform  Affine
}

// Grid holds decoded raster samples in band-interleaved-by-pixel
// layout: index = y*Width*Bands + x*Bands + band.
type Grid struct {
	Data   []float64
	Width  int
	Height int
	Bands  int
}

// At returns the sample at the given band and pixel position.
func (g *Grid) At(band, x, y int) float64 {
	return g.Data[y*g.Width*g.Bands+x*g.Bands+band]
}

// Set stores a sample at the given band and pixel position.
func (g *Grid) Set(band, x, y int, v float64) {
	g.Data[y*g.Width*g.Bands+x*g.Bands+band] = v
}

// Band extracts one band as a newly allocated row-major slice.
func (g *Grid) Band(band int) []float64 {
	result := make([]float64, g.Width*g.Height)
	for y := 0; y < g.Height; y++ {
		base := y * g.Width * g.Bands
		for x := 0; x < g.Width; x++ {
			result[y*g.Width+x] = g.Data[base+x*g.Bands+band]
		}
	}
	return result
}

type tiffTag struct {
	id     uint16
	typ    uint16
	count  uint32
	offset uint32
	value  interface{}
}

// Raster is an open read session over a GeoTIFF, local or remote.
// A Raster is owned by a single request and must be closed when the
// read is done; it is never shared across requests.
type Raster struct {
	r      io.ReadSeeker
	closer io.Closer
	order  binary.ByteOrder
	tags   map[uint16]*tiffTag
	meta   Metadata
}

// OpenRaster opens a GeoTIFF from a local path or an http(s) URL and
// reads its metadata. Remote rasters are accessed through HTTP range
// requests so that windowed reads only transfer the bytes they need.
func OpenRaster(pathOrURL string, client *fasthttp.Client) (*Raster, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return openRasterFrom(newRangeReader(pathOrURL, client), nil)
	}
	f, err := os.Open(pathOrURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}
	r, err := openRasterFrom(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func openRasterFrom(rs io.ReadSeeker, closer io.Closer) (*Raster, error) {
	r := &Raster{r: rs, closer: closer}

	header := make([]byte, 8)
	if _, err := io.ReadFull(rs, header); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}
	switch {
	case header[0] == 'I' && header[1] == 'I':
		r.order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		r.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file (bad byte-order mark %q)", header[:2])
	}
	if version := r.order.Uint16(header[2:4]); version != 42 {
		return nil, fmt.Errorf("unsupported TIFF version %d", version)
	}

	// Only the first IFD matters here: downloads always want the
	// full-resolution image, never the overview pyramid.
	if err := r.readIFD(r.order.Uint32(header[4:8])); err != nil {
		return nil, err
	}
	if err := r.readMetadata(); err != nil {
		return nil, err
	}
	return r, nil
}

// Metadata returns the raster's metadata.
func (r *Raster) Metadata() Metadata {
	return r.meta
}

// Close releases the underlying file handle, if any.
func (r *Raster) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Raster) readIFD(offset uint32) error {
	if _, err := r.r.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to IFD: %w", err)
	}
	var count uint16
	if err := binary.Read(r.r, r.order, &count); err != nil {
		return fmt.Errorf("failed to read IFD entry count: %w", err)
	}

	entries := make([]byte, int(count)*12)
	if _, err := io.ReadFull(r.r, entries); err != nil {
		return fmt.Errorf("failed to read IFD entries: %w", err)
	}

	r.tags = make(map[uint16]*tiffTag, count)
	for i := 0; i < int(count); i++ {
		e := entries[i*12 : i*12+12]
		tag := &tiffTag{
			id:     r.order.Uint16(e[0:2]),
			typ:    r.order.Uint16(e[2:4]),
			count:  r.order.Uint32(e[4:8]),
			offset: r.order.Uint32(e[8:12]),
		}
		r.tags[tag.id] = tag
	}

	for _, tag := range r.tags {
		if err := r.readTagValue(tag); err != nil {
			return fmt.Errorf("failed to read tag %d: %w", tag.id, err)
		}
	}
	return nil
}

func fieldTypeSize(typ uint16) uint32 {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	default:
		return 1
	}
}

func (r *Raster) readTagValue(tag *tiffTag) error {
	size := fieldTypeSize(tag.typ) * tag.count
	var raw []byte
	if size <= 4 {
		// Inline value: re-encode the offset field in file order so
		// the same decoding path works for both cases.
		raw = make([]byte, 4)
		r.order.PutUint32(raw, tag.offset)
	} else {
		raw = make([]byte, size)
		if _, err := r.r.Seek(int64(tag.offset), io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(r.r, raw); err != nil {
			return err
		}
	}

	n := int(tag.count)
	switch tag.typ {
	case 1, 6, 7: // BYTE and friends
		v := make([]uint8, n)
		copy(v, raw[:n])
		tag.value = v
	case 2: // ASCII
		s := raw[:n]
		if len(s) > 0 && s[len(s)-1] == 0 {
			s = s[:len(s)-1]
		}
		tag.value = string(s)
	case 3: // SHORT
		v := make([]uint16, n)
		for i := range v {
			v[i] = r.order.Uint16(raw[i*2 : i*2+2])
		}
		tag.value = v
	case 4: // LONG
		v := make([]uint32, n)
		for i := range v {
			v[i] = r.order.Uint32(raw[i*4 : i*4+4])
		}
		tag.value = v
	case 12: // DOUBLE
		v := make([]float64, n)
		for i := range v {
			v[i] = math.Float64frombits(r.order.Uint64(raw[i*8 : i*8+8]))
		}
		tag.value = v
	default:
		// Other field types carry nothing this reader needs.
	}
	return nil
}

// uintValue returns the first value of a SHORT or LONG tag, or def if
// the tag is absent.
func (r *Raster) uintValue(id uint16, def uint32) uint32 {
	tag := r.tags[id]
	if tag == nil {
		return def
	}
	switch v := tag.value.(type) {
	case []uint16:
		if len(v) > 0 {
			return uint32(v[0])
		}
	case []uint32:
		if len(v) > 0 {
			return v[0]
		}
	}
	return def
}

// uintSlice returns a SHORT or LONG array tag widened to uint32.
func (r *Raster) uintSlice(id uint16) []uint32 {
	tag := r.tags[id]
	if tag == nil {
		return nil
	}
	switch v := tag.value.(type) {
	case []uint32:
		return v
	case []uint16:
		out := make([]uint32, len(v))
		for i, x := range v {
			out[i] = uint32(x)
		}
		return out
	}
	return nil
}

func (r *Raster) doubleSlice(id uint16) []float64 {
	tag := r.tags[id]
	if tag == nil {
		return nil
	}
	v, _ := tag.value.([]float64)
	return v
}

func (r *Raster) readMetadata() error {
	m := &r.meta
	m.Width = int(r.uintValue(tagImageWidth, 0))
	m.Height = int(r.uintValue(tagImageHeight, 0))
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", m.Width, m.Height)
	}
	m.Bands = int(r.uintValue(tagSamplesPerPixel, 1))
	if planar := r.uintValue(tagPlanarConfig, 1); planar != 1 {
		return fmt.Errorf("unsupported planar configuration %d", planar)
	}

	bits := r.uintValue(tagBitsPerSample, 8)
	format := r.uintValue(tagSampleFormat, 1)
	switch {
	case bits == 8 && format == 1:
		m.SampleType = SampleUint8
	case bits == 8 && format == 2:
		m.SampleType = SampleInt8
	case bits == 16 && format == 1:
		m.SampleType = SampleUint16
	case bits == 16 && format == 2:
		m.SampleType = SampleInt16
	case bits == 32 && format == 1:
		m.SampleType = SampleUint32
	case bits == 32 && format == 2:
		m.SampleType = SampleInt32
	case bits == 32 && format == 3:
		m.SampleType = SampleFloat32
	case bits == 64 && format == 3:
		m.SampleType = SampleFloat64
	default:
		return fmt.Errorf("unsupported sample type: %d bits, format %d", bits, format)
	}

	// GDAL writes the nodata value as an ASCII tag.
	if tag := r.tags[tagGDALNodata]; tag != nil {
		if s, ok := tag.value.(string); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(s, "\x00")), 64); err == nil {
				m.Nodata = &v
			}
		}
	}

	// Affine transform from pixel scale + tiepoint.
	scale := r.doubleSlice(tagModelPixelScale)
	tie := r.doubleSlice(tagModelTiepoint)
	if len(scale) >= 2 && len(tie) >= 6 {
		m.Transform = Affine{
			A: scale[0],
			C: tie[3] - tie[0]*scale[0],
			E: -scale[1],
			F: tie[4] + tie[1]*scale[1],
		}
	}

	m.CRS = r.readCRS()
	return nil
}

// readCRS extracts the EPSG code from the GeoKey directory.
func (r *Raster) readCRS() string {
	dir := r.uintSlice(tagGeoKeyDirectory)
	if len(dir) < 4 {
		return ""
	}
	numKeys := int(dir[3])
	keys := make(map[uint16]uint32, numKeys)
	for i := 4; i+3 < len(dir) && (i-4)/4 < numKeys; i += 4 {
		keyID := uint16(dir[i])
		location := dir[i+1]
		if location == 0 { // value stored inline
			keys[keyID] = dir[i+3]
		}
	}
	if code, ok := keys[keyProjectedCS]; ok && code != 0 && code != 32767 {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if code, ok := keys[keyGeographicType]; ok && code != 0 && code != 32767 {
		return fmt.Sprintf("EPSG:%d", code)
	}
	return ""
}

// Read decodes pixel data for the given window, or for the whole
// raster when win is nil. All bands are read; samples are widened to
// float64 regardless of the on-disk type.
func (r *Raster) Read(win *Window) (*Grid, error) {
	if win == nil {
		win = &Window{X: 0, Y: 0, Width: r.meta.Width, Height: r.meta.Height}
	}
	if win.X < 0 || win.Y < 0 || win.Width <= 0 || win.Height <= 0 ||
		win.X+win.Width > r.meta.Width || win.Y+win.Height > r.meta.Height {
		return nil, fmt.Errorf("window %v outside raster %dx%d", win, r.meta.Width, r.meta.Height)
	}

	grid := &Grid{
		Data:   make([]float64, win.Width*win.Height*r.meta.Bands),
		Width:  win.Width,
		Height: win.Height,
		Bands:  r.meta.Bands,
	}

	if r.tags[tagTileOffsets] != nil {
		if err := r.readTiled(win, grid); err != nil {
			return nil, err
		}
		return grid, nil
	}
	if r.tags[tagStripOffsets] != nil {
		if err := r.readStripped(win, grid); err != nil {
			return nil, err
		}
		return grid, nil
	}
	return nil, fmt.Errorf("raster is neither tiled nor stripped")
}

func (r *Raster) readTiled(win *Window, grid *Grid) error {
	tileWidth := int(r.uintValue(tagTileWidth, 256))
	tileHeight := int(r.uintValue(tagTileHeight, 256))
	offsets := r.uintSlice(tagTileOffsets)
	counts := r.uintSlice(tagTileByteCounts)
	tilesPerRow := (r.meta.Width + tileWidth - 1) / tileWidth

	for tileY := win.Y / tileHeight; tileY <= (win.Y+win.Height-1)/tileHeight; tileY++ {
		for tileX := win.X / tileWidth; tileX <= (win.X+win.Width-1)/tileWidth; tileX++ {
			index := tileY*tilesPerRow + tileX
			if index >= len(offsets) || index >= len(counts) {
				continue
			}
			block, err := r.readBlock(offsets[index], counts[index], tileWidth, tileHeight)
			if err != nil {
				return fmt.Errorf("failed to read tile %d/%d: %w", tileX, tileY, err)
			}
			r.copyBlock(block, tileX*tileWidth, tileY*tileHeight, tileWidth, tileHeight, win, grid)
		}
	}
	return nil
}

func (r *Raster) readStripped(win *Window, grid *Grid) error {
	rowsPerStrip := int(r.uintValue(tagRowsPerStrip, uint32(r.meta.Height)))
	if rowsPerStrip <= 0 {
		rowsPerStrip = r.meta.Height
	}
	offsets := r.uintSlice(tagStripOffsets)
	counts := r.uintSlice(tagStripByteCounts)

	for strip := win.Y / rowsPerStrip; strip <= (win.Y+win.Height-1)/rowsPerStrip; strip++ {
		if strip >= len(offsets) || strip >= len(counts) {
			continue
		}
		// The last strip may be shorter than rowsPerStrip.
		stripRows := rowsPerStrip
		if remaining := r.meta.Height - strip*rowsPerStrip; remaining < stripRows {
			stripRows = remaining
		}
		block, err := r.readBlock(offsets[strip], counts[strip], r.meta.Width, stripRows)
		if err != nil {
			return fmt.Errorf("failed to read strip %d: %w", strip, err)
		}
		r.copyBlock(block, 0, strip*rowsPerStrip, r.meta.Width, stripRows, win, grid)
	}
	return nil
}

// readBlock reads and decompresses one tile or strip.
func (r *Raster) readBlock(offset, count uint32, blockWidth, blockHeight int) ([]byte, error) {
	raw := make([]byte, count)
	if _, err := r.r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r.r, raw); err != nil {
		return nil, err
	}

	expected := blockWidth * blockHeight * r.meta.Bands * r.meta.SampleType.Size()
	var data []byte
	switch compression := r.uintValue(tagCompression, compressionNone); compression {
	case compressionNone:
		data = raw
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			// Some writers emit raw deflate streams without the
			// zlib wrapper.
			fr := flate.NewReader(bytes.NewReader(raw))
			data, err = io.ReadAll(fr)
			fr.Close()
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			break
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		var err error
		data, err = io.ReadAll(lr)
		lr.Close()
		if err != nil {
			return nil, fmt.Errorf("lzw: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}

	if len(data) < expected {
		return nil, fmt.Errorf("block too short: got %d bytes, expected %d", len(data), expected)
	}
	data = data[:expected]

	if r.uintValue(tagPredictor, 1) == 2 {
		undoHorizontalPredictor(data, blockWidth, blockHeight, r.meta.Bands, r.meta.SampleType, r.order)
	}
	return data, nil
}

// undoHorizontalPredictor reverses TIFF predictor 2 (horizontal
// differencing) in place, row by row.
func undoHorizontalPredictor(data []byte, width, height, bands int, st SampleType, order binary.ByteOrder) {
	size := st.Size()
	rowBytes := width * bands * size
	for y := 0; y < height; y++ {
		row := data[y*rowBytes : (y+1)*rowBytes]
		switch size {
		case 1:
			for i := bands; i < len(row); i++ {
				row[i] += row[i-bands]
			}
		case 2:
			for i := bands * 2; i+1 < len(row); i += 2 {
				v := order.Uint16(row[i:]) + order.Uint16(row[i-bands*2:])
				order.PutUint16(row[i:], v)
			}
		case 4:
			for i := bands * 4; i+3 < len(row); i += 4 {
				v := order.Uint32(row[i:]) + order.Uint32(row[i-bands*4:])
				order.PutUint32(row[i:], v)
			}
		case 8:
			for i := bands * 8; i+7 < len(row); i += 8 {
				v := order.Uint64(row[i:]) + order.Uint64(row[i-bands*8:])
				order.PutUint64(row[i:], v)
			}
		}
	}
}

// copyBlock decodes the intersection of a decompressed block with the
// requested window into the output grid.
func (r *Raster) copyBlock(block []byte, blockX, blockY, blockWidth, blockHeight int, win *Window, grid *Grid) {
	x0 := max(win.X, blockX)
	y0 := max(win.Y, blockY)
	x1 := min(win.X+win.Width, blockX+blockWidth)
	y1 := min(win.Y+win.Height, blockY+blockHeight)
	if x0 >= x1 || y0 >= y1 {
		return
	}

	bands := r.meta.Bands
	size := r.meta.SampleType.Size()
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			src := ((y-blockY)*blockWidth + (x - blockX)) * bands * size
			dst := ((y-win.Y)*win.Width + (x - win.X)) * bands
			for b := 0; b < bands; b++ {
				grid.Data[dst+b] = r.decodeSample(block[src+b*size:])
			}
		}
	}
}

func (r *Raster) decodeSample(b []byte) float64 {
	switch r.meta.SampleType {
	case SampleUint8:
		return float64(b[0])
	case SampleInt8:
		return float64(int8(b[0]))
	case SampleUint16:
		return float64(r.order.Uint16(b))
	case SampleInt16:
		return float64(int16(r.order.Uint16(b)))
	case SampleUint32:
		return float64(r.order.Uint32(b))
	case SampleInt32:
		return float64(int32(r.order.Uint32(b)))
	case SampleFloat32:
		return float64(math.Float32frombits(r.order.Uint32(b)))
	default:
		return math.Float64frombits(r.order.Uint64(b))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
