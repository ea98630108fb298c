// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"

	"github.com/valyala/fasthttp"
)

// rangeReadAhead is how many bytes a rangeReader fetches beyond what
// the caller asked for. TIFF headers and IFDs cluster at the front of
// the file, so one larger request usually replaces dozens of small
// ones.
const rangeReadAhead = 64 * 1024

// rangeReader is an io.ReadSeeker over a remote file, backed by HTTP
// range requests. Reads go through a single read-ahead buffer so that
// sequential access patterns do not hit the network per call. A
// rangeReader serves one raster read at a time and is not safe for
// concurrent use.
type rangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64
	pos    int64

	buf      []byte
	bufStart int64
}

func newRangeReader(url string, client *fasthttp.Client) *rangeReader {
	r := &rangeReader{url: url, client: client, size: -1}
	r.size = r.fetchSize()
	return r
}

// fetchSize asks for the file size with a HEAD request. Returns -1 if
// the server does not report a length; seeking from the end then fails
// but sequential reads still work.
func (r *rangeReader) fetchSize() int64 {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := r.client.Do(req, resp); err != nil {
		return -1
	}
	if n := resp.Header.ContentLength(); n > 0 {
		return int64(n)
	}
	return -1
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.size >= 0 && r.pos >= r.size {
		return 0, io.EOF
	}

	// Serve from the read-ahead buffer when possible.
	if r.buf != nil && r.pos >= r.bufStart && r.pos < r.bufStart+int64(len(r.buf)) {
		n := copy(p, r.buf[r.pos-r.bufStart:])
		r.pos += int64(n)
		return n, nil
	}

	want := len(p)
	fetch := want
	if fetch < rangeReadAhead {
		fetch = rangeReadAhead
	}
	if r.size >= 0 && r.pos+int64(fetch) > r.size {
		fetch = int(r.size - r.pos)
	}
	if fetch <= 0 {
		return 0, io.EOF
	}

	data, err := r.fetchRange(r.pos, r.pos+int64(fetch)-1)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	r.buf = data
	r.bufStart = r.pos

	n := copy(p, data)
	r.pos += int64(n)
	return n, nil
}

func (r *rangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if err := r.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("range request failed: %w", err)
	}
	status := resp.StatusCode()
	if status != fasthttp.StatusPartialContent && status != fasthttp.StatusOK {
		return nil, fmt.Errorf("range request failed: HTTP %d", status)
	}

	body := resp.Body()
	if status == fasthttp.StatusOK {
		// The server ignored the Range header and sent the whole
		// file; the requested span starts at offset start.
		if int64(len(body)) <= start {
			return nil, fmt.Errorf("server sent %d bytes, want offset %d of %s",
				len(body), start, r.url)
		}
		body = body[start:]
	}

	// The response body is invalidated on release, so copy it out.
	data := make([]byte, len(body))
	copy(data, body)
	return data, nil
}

func (r *rangeReader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		if r.size < 0 {
			return 0, fmt.Errorf("cannot seek from end: size of %s unknown", r.url)
		}
		pos = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position %d", pos)
	}
	r.pos = pos
	return pos, nil
}
