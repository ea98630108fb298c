// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// fakeFetcher writes a small real GeoTIFF per call, so the handler's
// streaming and visualization paths both work against it.
type fakeFetcher struct {
	dir     string
	err     error
	onFetch func() // runs while the fetch is "in flight"
}

func (f *fakeFetcher) makeTiff() (string, int64, error) {
	grid := &Grid{Data: make([]float64, 16), Width: 4, Height: 4, Bands: 1}
	for i := range grid.Data {
		grid.Data[i] = float64(i + 1)
	}
	meta := Metadata{
		Width: 4, Height: 4, Bands: 1, SampleType: SampleUint16,
		CRS:       "EPSG:4326",
		Transform: Affine{A: 0.01, C: 7, E: -0.01, F: 48},
	}
	file, err := os.CreateTemp(f.dir, "fake-*.tif")
	if err != nil {
		return "", 0, err
	}
	if err := WriteGeoTIFF(file, grid, meta); err != nil {
		file.Close()
		return "", 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return "", 0, err
	}
	if err := file.Close(); err != nil {
		return "", 0, err
	}
	return file.Name(), info.Size(), nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *TileRequest, progress ProgressFunc) (string, int64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	if f.onFetch != nil {
		f.onFetch()
	}
	if progress != nil {
		progress(5, "Looking up scene metadata")
	}
	return f.makeTiff()
}

func (f *fakeFetcher) Info(ctx context.Context, req *TileRequest) (*TileInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &TileInfo{
		Collection: req.Collection, ItemID: req.ItemID, AssetKey: req.AssetKey,
		Width: 4, Height: 4, Bands: 1, DataType: "uint16", CRS: "EPSG:4326",
		EstimatedSize: 32,
	}, nil
}

func newTestWebserver(t *testing.T) *Webserver {
	t.Helper()
	return &Webserver{
		catalog:  DefaultCatalog(),
		fetcher:  &fakeFetcher{dir: t.TempDir()},
		governor: NewGovernor(defaultMaxRequests, defaultQuotaBytes),
		verifier: NewVerifier(""),
	}
}

func postDownload(ws *Webserver, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	ws.HandleDownload(w, req)
	return w
}

const validBody = `{"collection": "sentinel-2-l2a", "item_id": "item1", "asset": "B04"}`

func TestHandleCollections(t *testing.T) {
	ws := newTestWebserver(t)
	req := httptest.NewRequest(http.MethodGet, "/collections", nil)
	w := httptest.NewRecorder()
	ws.HandleCollections(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var body struct {
		Collections []struct {
			ID       string `json:"id"`
			Disabled bool   `json:"disabled"`
		} `json:"collections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Collections) < 5 {
		t.Errorf("got %d collections", len(body.Collections))
	}
	if body.Collections[0].ID != "sentinel-2-l2a" {
		t.Errorf("got first collection %q", body.Collections[0].ID)
	}
}

func TestHandleAssets(t *testing.T) {
	ws := newTestWebserver(t)
	req := httptest.NewRequest(http.MethodGet, "/collections/sentinel-2-l2a/assets", nil)
	w := httptest.NewRecorder()
	ws.HandleAssets(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "B04") {
		t.Errorf("response missing B04: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/collections/nope/assets", nil)
	w = httptest.NewRecorder()
	ws.HandleAssets(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown collection: got status %d, want 400", w.Code)
	}
}

func TestHandleColormaps(t *testing.T) {
	ws := newTestWebserver(t)
	w := httptest.NewRecorder()
	ws.HandleColormaps(w, httptest.NewRequest(http.MethodGet, "/colormaps", nil))
	if !strings.Contains(w.Body.String(), "viridis") {
		t.Errorf("response missing viridis: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	ws.HandleColormapPreview(w, httptest.NewRequest(http.MethodGet, "/colormaps/viridis.png", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("preview: got status %d, type %q", w.Code, w.Header().Get("Content-Type"))
	}

	w = httptest.NewRecorder()
	ws.HandleColormapPreview(w, httptest.NewRequest(http.MethodGet, "/colormaps/nope.png", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown preview: got status %d, want 404", w.Code)
	}
}

func TestHandleDownloadStreams(t *testing.T) {
	ws := newTestWebserver(t)
	w := postDownload(ws, validBody)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "image/tiff" {
		t.Errorf("got content type %q", got)
	}
	disposition := w.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "sentinel-2-l2a_item1_B04.tif") {
		t.Errorf("got disposition %q", disposition)
	}
	if w.Body.Len() == 0 {
		t.Error("empty body")
	}

	// The delivery was charged against the quota.
	stats := ws.governor.Stats("1.2.3.4")
	if stats.BytesUsed != int64(w.Body.Len()) {
		t.Errorf("got %d bytes charged, want %d", stats.BytesUsed, w.Body.Len())
	}
}

func TestHandleDownloadPNG(t *testing.T) {
	ws := newTestWebserver(t)
	w := postDownload(ws, `{"collection": "sentinel-2-l2a", "item_id": "item1",
		"asset": "B04", "format": "png", "colormap": "viridis"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("got content type %q", got)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), ".png") {
		t.Errorf("got disposition %q", w.Header().Get("Content-Disposition"))
	}
}

func TestHandleDownloadDeliveryURL(t *testing.T) {
	ws := newTestWebserver(t)
	ws.uploader = NewUploader(newFakeStorage(), "tiles", 10*time.Minute)

	w := postDownload(ws, `{"collection": "sentinel-2-l2a", "item_id": "item1",
		"asset": "B04", "delivery": "url"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		DownloadURL string `json:"download_url"`
		Filename    string `json:"filename"`
		SizeBytes   int64  `json:"size_bytes"`
		ExpiresIn   int    `json:"expires_in_seconds"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body.DownloadURL, "https://storage.example.com/") {
		t.Errorf("got url %q", body.DownloadURL)
	}
	if body.Filename != "sentinel-2-l2a_item1_B04.tif" {
		t.Errorf("got filename %q", body.Filename)
	}
	if body.SizeBytes <= 0 || body.ExpiresIn != 600 {
		t.Errorf("got size %d, expiry %d", body.SizeBytes, body.ExpiresIn)
	}
}

func TestHandleDownloadRateLimit(t *testing.T) {
	ws := newTestWebserver(t)
	for i := 0; i < defaultMaxRequests; i++ {
		if w := postDownload(ws, validBody); w.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d", i+1, w.Code)
		}
	}

	w := postDownload(ws, validBody)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), KindRateLimited) {
		t.Errorf("got body %s", w.Body.String())
	}
}

func TestHandleDownloadBadRequests(t *testing.T) {
	ws := newTestWebserver(t)

	for _, body := range []string{
		"{not json",
		`{"collection": "sentinel-2-l2a"}`,
		`{"collection": "c", "item_id": "i", "asset": "a", "bbox": [1, 2, 3]}`,
		`{"collection": "c", "item_id": "i", "asset": "a", "bbox": [10, 0, 5, 1]}`,
	} {
		if w := postDownload(ws, body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: got status %d, want 400", body, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/download", nil)
	w := httptest.NewRecorder()
	ws.HandleDownload(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got status %d, want 405", w.Code)
	}
}

func TestHandleDownloadPipelineError(t *testing.T) {
	ws := newTestWebserver(t)
	ws.fetcher = &fakeFetcher{err: sizeLimitError(2000<<20, 1500<<20)}

	w := postDownload(ws, validBody)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), KindSizeLimitExceeded) {
		t.Errorf("got body %s", w.Body.String())
	}
}

func TestHandleDownloadInfo(t *testing.T) {
	ws := newTestWebserver(t)
	req := httptest.NewRequest(http.MethodPost, "/download/info", strings.NewReader(validBody))
	w := httptest.NewRecorder()
	ws.HandleDownloadInfo(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
	var info TileInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Width != 4 || info.DataType != "uint16" {
		t.Errorf("got %+v", info)
	}
}

func TestHandleUsage(t *testing.T) {
	ws := newTestWebserver(t)
	postDownload(ws, validBody)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	ws.HandleUsage(w, req)

	var stats UsageStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.RequestsUsed != 1 {
		t.Errorf("got %d requests used, want 1", stats.RequestsUsed)
	}
	if stats.BytesUsed <= 0 {
		t.Errorf("got %d bytes used, want > 0", stats.BytesUsed)
	}
}

func TestDisconnectAfterFetch(t *testing.T) {
	ws := newTestWebserver(t)
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := ws.fetcher.(*fakeFetcher)
	fetcher.onFetch = cancel // the client goes away mid-fetch

	body := `{"collection": "sentinel-2-l2a", "item_id": "item1",
		"asset": "B04", "format": "png"}`
	req := httptest.NewRequest(http.MethodPost, "/download", strings.NewReader(body))
	req = req.WithContext(ctx)
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	ws.HandleDownload(w, req)

	// No body was delivered and no visualization was produced.
	if w.Body.Len() != 0 {
		t.Errorf("got %d body bytes, want none", w.Body.Len())
	}
	entries, err := os.ReadDir(fetcher.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".png") {
			t.Errorf("visualization file %s should not exist", e.Name())
		}
	}
	// An aborted delivery costs no quota.
	if stats := ws.governor.Stats("1.2.3.4"); stats.BytesUsed != 0 {
		t.Errorf("got %d bytes charged, want 0", stats.BytesUsed)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := clientKey(req); got != "10.0.0.1" {
		t.Errorf("got %q, want 10.0.0.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientKey(req); got != "203.0.113.9" {
		t.Errorf("got %q, want 203.0.113.9", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	ws := newTestWebserver(t)
	ws.corsOrigin = "https://maps.example.com"

	req := httptest.NewRequest(http.MethodOptions, "/download", nil)
	w := httptest.NewRecorder()
	ws.HandleDownload(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("got status %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://maps.example.com" {
		t.Errorf("got origin %q", got)
	}
}

func TestTurnstileGate(t *testing.T) {
	ws := newTestWebserver(t)
	ws.verifier = NewVerifier("secret")
	ws.verifier.endpoint = "http://127.0.0.1:1"

	w := postDownload(ws, validBody)
	if w.Code != http.StatusForbidden {
		t.Errorf("got status %d, want 403", w.Code)
	}
	// A denied request costs no rate budget.
	if stats := ws.governor.Stats("1.2.3.4"); stats.RequestsUsed != 0 {
		t.Errorf("got %d requests used, want 0", stats.RequestsUsed)
	}
}
