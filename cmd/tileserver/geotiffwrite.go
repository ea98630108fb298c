// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zlib"
)

// TIFF field types used by the writer.
const (
	asciiFormat  = 2
	shortFormat  = 3
	longFormat   = 4
	doubleFormat = 12
)

// stripTargetBytes is the rough uncompressed size of one strip.
const stripTargetBytes = 1 << 20

// WriteGeoTIFF writes a clipped raster as a deflate-compressed,
// stripped GeoTIFF. Samples are encoded back to their source type,
// and the georeferencing of the window (CRS, affine transform and
// nodata value) is preserved so the output opens in GIS tools exactly
// where the source scene was.
func WriteGeoTIFF(out io.WriteSeeker, grid *Grid, meta Metadata) error {
	le := binary.LittleEndian

	// Header: little-endian magic and a placeholder for the IFD
	// offset, patched once the pixel data is on disk.
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	if _, err := out.Write(header); err != nil {
		return err
	}

	sampleSize := meta.SampleType.Size()
	rowBytes := grid.Width * grid.Bands * sampleSize
	rowsPerStrip := stripTargetBytes / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > grid.Height {
		rowsPerStrip = grid.Height
	}
	numStrips := (grid.Height + rowsPerStrip - 1) / rowsPerStrip

	stripOffsets := make([]uint32, numStrips)
	stripCounts := make([]uint32, numStrips)
	pos := int64(len(header))
	raw := make([]byte, 0, rowsPerStrip*rowBytes)
	var compressed bytes.Buffer
	for strip := 0; strip < numStrips; strip++ {
		y0 := strip * rowsPerStrip
		y1 := y0 + rowsPerStrip
		if y1 > grid.Height {
			y1 = grid.Height
		}
		raw = raw[:0]
		for y := y0; y < y1; y++ {
			for x := 0; x < grid.Width; x++ {
				for b := 0; b < grid.Bands; b++ {
					raw = encodeSample(raw, grid.At(b, x, y), meta.SampleType, le)
				}
			}
		}

		compressed.Reset()
		zw, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}

		stripOffsets[strip] = uint32(pos)
		stripCounts[strip] = uint32(compressed.Len())
		n, err := out.Write(compressed.Bytes())
		if err != nil {
			return err
		}
		pos += int64(n)
	}

	if pos%2 != 0 { // IFDs must start on a word boundary
		if _, err := out.Write([]byte{0}); err != nil {
			return err
		}
		pos++
	}
	ifdPos := pos
	if err := writeIFD(out, ifdPos, grid, meta, rowsPerStrip, stripOffsets, stripCounts); err != nil {
		return err
	}
	return patchOffset(out, 4, ifdPos)
}

// encodeSample appends one sample in its on-disk encoding. Integer
// types round and clamp to their value range.
func encodeSample(dst []byte, v float64, st SampleType, order binary.AppendByteOrder) []byte {
	switch st {
	case SampleUint8:
		return append(dst, uint8(clampRound(v, 0, math.MaxUint8)))
	case SampleInt8:
		return append(dst, uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8))))
	case SampleUint16:
		return order.AppendUint16(dst, uint16(clampRound(v, 0, math.MaxUint16)))
	case SampleInt16:
		return order.AppendUint16(dst, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case SampleUint32:
		return order.AppendUint32(dst, uint32(clampRound(v, 0, math.MaxUint32)))
	case SampleInt32:
		return order.AppendUint32(dst, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case SampleFloat32:
		return order.AppendUint32(dst, math.Float32bits(float32(v)))
	default:
		return order.AppendUint64(dst, math.Float64bits(v))
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value uint32
}

// writeIFD writes the image file directory and its out-of-line values.
// Values wider than four bytes go into an extra buffer placed directly
// behind the directory, with offsets computed before anything is
// written.
func writeIFD(out io.Writer, ifdPos int64, grid *Grid, meta Metadata, rowsPerStrip int, stripOffsets, stripCounts []uint32) error {
	le := binary.LittleEndian
	bits := uint32(meta.SampleType.Size() * 8)

	var entries []ifdEntry
	var extraBuf bytes.Buffer

	addShorts := func(tag uint16, values []uint16) {
		switch len(values) {
		case 1:
			entries = append(entries, ifdEntry{tag, shortFormat, 1, uint32(values[0])})
		case 2: // two shorts still fit into the value field
			entries = append(entries, ifdEntry{tag, shortFormat, 2, uint32(values[0]) | uint32(values[1])<<16})
		default:
			entries = append(entries, ifdEntry{tag, shortFormat, uint32(len(values)), uint32(extraBuf.Len())})
			binary.Write(&extraBuf, le, values)
		}
	}
	addLongs := func(tag uint16, values []uint32) {
		if len(values) == 1 {
			entries = append(entries, ifdEntry{tag, longFormat, 1, values[0]})
			return
		}
		entries = append(entries, ifdEntry{tag, longFormat, uint32(len(values)), uint32(extraBuf.Len())})
		binary.Write(&extraBuf, le, values)
	}
	addDoubles := func(tag uint16, values []float64) {
		entries = append(entries, ifdEntry{tag, doubleFormat, uint32(len(values)), uint32(extraBuf.Len())})
		binary.Write(&extraBuf, le, values)
	}
	addASCII := func(tag uint16, s string) {
		data := append([]byte(s), 0)
		if len(data) <= 4 {
			var v uint32
			for i, b := range data {
				v |= uint32(b) << (8 * i)
			}
			entries = append(entries, ifdEntry{tag, asciiFormat, uint32(len(data)), v})
			return
		}
		entries = append(entries, ifdEntry{tag, asciiFormat, uint32(len(data)), uint32(extraBuf.Len())})
		extraBuf.Write(data)
	}

	addLongs(tagImageWidth, []uint32{uint32(grid.Width)})
	addLongs(tagImageHeight, []uint32{uint32(grid.Height)})
	bitsPerSample := make([]uint16, grid.Bands)
	for i := range bitsPerSample {
		bitsPerSample[i] = uint16(bits)
	}
	addShorts(tagBitsPerSample, bitsPerSample)
	addShorts(tagCompression, []uint16{compressionDeflate})
	photometric := uint16(1) // BlackIsZero
	if grid.Bands >= 3 {
		photometric = 2 // RGB
	}
	addShorts(tagPhotometric, []uint16{photometric})
	addLongs(tagStripOffsets, stripOffsets)
	addShorts(tagSamplesPerPixel, []uint16{uint16(grid.Bands)})
	addLongs(tagRowsPerStrip, []uint32{uint32(rowsPerStrip)})
	addLongs(tagStripByteCounts, stripCounts)
	addShorts(tagPlanarConfig, []uint16{1})
	sampleFormats := make([]uint16, grid.Bands)
	for i := range sampleFormats {
		sampleFormats[i] = meta.SampleType.sampleFormat()
	}
	addShorts(tagSampleFormat, sampleFormats)

	t := meta.Transform
	addDoubles(tagModelPixelScale, []float64{t.A, -t.E, 0})
	addDoubles(tagModelTiepoint, []float64{0, 0, 0, t.C, t.F, 0})
	if keys := geoKeysFor(meta.CRS); keys != nil {
		addShorts(tagGeoKeyDirectory, keys)
	}
	if meta.Nodata != nil {
		addASCII(tagGDALNodata, formatNodata(*meta.Nodata))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Now that the directory size is known, shift extra-buffer offsets
	// to their final file position behind the directory.
	extraPos := uint32(ifdPos) + uint32(2+len(entries)*12+4)
	var buf bytes.Buffer
	binary.Write(&buf, le, uint16(len(entries)))
	for _, e := range entries {
		value := e.value
		if fieldTypeSize(e.typ)*e.count > 4 {
			value += extraPos
		}
		binary.Write(&buf, le, e.tag)
		binary.Write(&buf, le, e.typ)
		binary.Write(&buf, le, e.count)
		binary.Write(&buf, le, value)
	}
	binary.Write(&buf, le, uint32(0)) // no further IFDs

	if _, err := buf.WriteTo(out); err != nil {
		return err
	}
	_, err := extraBuf.WriteTo(out)
	return err
}

// geoKeysFor builds the GeoKey directory for an EPSG coordinate
// reference. Geographic systems are keyed under GeographicTypeGeoKey,
// projected ones under ProjectedCSTypeGeoKey.
func geoKeysFor(crs string) []uint16 {
	var epsg int
	if _, err := fmt.Sscanf(crs, "EPSG:%d", &epsg); err != nil {
		return nil
	}
	modelType := uint16(modelTypeProjected)
	codeKey := uint16(keyProjectedCS)
	if epsg == 4326 {
		modelType = modelTypeGeographic
		codeKey = keyGeographicType
	}
	return []uint16{
		1, 1, 0, 3, // version, revision, minor, key count
		keyModelType, 0, 1, modelType,
		keyRasterType, 0, 1, 1, // RasterPixelIsArea
		codeKey, 0, 1, uint16(epsg),
	}
}

// formatNodata renders a nodata value the way GDAL does: integral
// values without a decimal point.
func formatNodata(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// patchOffset overwrites a 32-bit little-endian offset at pos and
// restores the write position to the end of the file.
func patchOffset(f io.WriteSeeker, pos int64, value int64) error {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(value))
	if _, err := f.Write(buf[:]); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekEnd)
	return err
}
