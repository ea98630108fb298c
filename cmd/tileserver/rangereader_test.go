// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func newRangeTestServer(t *testing.T, data []byte) (*httptest.Server, *rangeReader) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server, newRangeReader(server.URL, &fasthttp.Client{})
}

func TestRangeReaderSequential(t *testing.T) {
	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, r := newRangeTestServer(t, data)

	if r.size != int64(len(data)) {
		t.Errorf("got size %d, want %d", r.size, len(data))
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("sequential read returned wrong data")
	}
}

func TestRangeReaderSeek(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	_, r := newRangeTestServer(t, data)

	if _, err := r.Seek(10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abcde" {
		t.Errorf("got %q, want abcde", buf)
	}

	// Seek from end.
	if _, err := r.Seek(-4, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		t.Fatal(err)
	}
	if string(buf[:4]) != "ghij" {
		t.Errorf("got %q, want ghij", buf[:4])
	}

	// Negative positions are invalid.
	if _, err := r.Seek(-1, io.SeekStart); err == nil {
		t.Error("expected error for negative seek")
	}
}

func TestRangeReaderServerIgnoresRange(t *testing.T) {
	// Some servers answer a Range request with a plain 200 and the
	// whole file. Reads must still see the requested offset.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	t.Cleanup(server.Close)
	r := newRangeReader(server.URL, &fasthttp.Client{})

	if _, err := r.Seek(1000, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 16)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[1000:1016]) {
		t.Errorf("got %v, want %v", got, data[1000:1016])
	}
}

func TestRangeReaderEOF(t *testing.T) {
	data := []byte("short")
	_, r := newRangeTestServer(t, data)

	if _, err := r.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestOpenRemoteRaster(t *testing.T) {
	grid := makeGrid(6, 6, 1, func(_, x, y int) float64 { return float64(x + y) })
	meta := Metadata{
		Width: 6, Height: 6, Bands: 1, SampleType: SampleUint8,
		CRS:       "EPSG:4326",
		Transform: Affine{A: 1, C: 0, E: -1, F: 6},
	}
	path := writeTiffFile(t, grid, meta)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	server, _ := newRangeTestServer(t, data)

	raster, err := OpenRaster(server.URL+"/data.bin", &fasthttp.Client{})
	if err != nil {
		t.Fatal(err)
	}
	defer raster.Close()

	decoded, err := raster.Read(nil)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.At(0, 3, 2) != 5 {
		t.Errorf("got %g, want 5", decoded.At(0, 3, 2))
	}
}
