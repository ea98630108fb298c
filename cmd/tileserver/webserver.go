// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_download_requests_total",
			Help: "Download requests by outcome.",
		},
		[]string{"outcome"},
	)
	governorDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_governor_denials_total",
			Help: "Requests denied by the download governor.",
		},
		[]string{"kind"},
	)
	downloadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tileserver_downloaded_bytes_total",
			Help: "Bytes delivered to clients.",
		},
	)
)

// tileFetcher is what the HTTP layer needs from the pipeline. The
// concrete implementation is Fetcher; tests substitute fakes.
type tileFetcher interface {
	Fetch(ctx context.Context, req *TileRequest, progress ProgressFunc) (string, int64, error)
	Info(ctx context.Context, req *TileRequest) (*TileInfo, error)
}

// Webserver handles the HTTP API.
type Webserver struct {
	catalog    *Catalog
	fetcher    tileFetcher
	governor   *Governor
	verifier   *Verifier
	uploader   *Uploader // nil when no object storage is configured
	corsOrigin string
}

// downloadRequest is the body of POST /download and /download/info.
type downloadRequest struct {
	Collection     string    `json:"collection"`
	ItemID         string    `json:"item_id"`
	Asset          string    `json:"asset"`
	BBox           []float64 `json:"bbox,omitempty"` // west, south, east, north
	Format         string    `json:"format,omitempty"`
	Bands          []int     `json:"bands,omitempty"`
	Rescale        string    `json:"rescale,omitempty"`
	Colormap       string    `json:"colormap,omitempty"`
	Delivery       string    `json:"delivery,omitempty"`
	TurnstileToken string    `json:"turnstile_token,omitempty"`
}

func (ws *Webserver) setCORS(w http.ResponseWriter) {
	origin := ws.corsOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// clientKey identifies the client for the governor. Behind a reverse
// proxy the remote address is the proxy, so the first entry of
// X-Forwarded-For wins when present.
func clientKey(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Printf("failed to write response: %v", err)
	}
}

// writeError renders any pipeline error as a JSON error body. Internal
// causes go to the log, never to the client.
func writeError(w http.ResponseWriter, err error) {
	ae := asAPIError(err)
	if ae.cause != nil || ae.Status >= 500 {
		logger.Printf("request failed: %v", ae)
	}
	writeJSON(w, ae.Status, map[string]string{
		"error":  ae.Kind,
		"detail": ae.Detail,
	})
}

// HandleCollections serves GET /collections.
func (ws *Webserver) HandleCollections(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	type collectionInfo struct {
		ID             string            `json:"id"`
		Name           string            `json:"name"`
		Assets         map[string]string `json:"assets"`
		Disabled       bool              `json:"disabled,omitempty"`
		DisabledReason string            `json:"disabled_reason,omitempty"`
	}
	result := make([]collectionInfo, 0)
	for _, c := range ws.catalog.All() {
		result = append(result, collectionInfo{
			ID:             c.ID,
			Name:           c.Name,
			Assets:         c.Assets,
			Disabled:       c.Disabled,
			DisabledReason: c.DisabledReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": result})
}

// HandleAssets serves GET /collections/{id}/assets.
func (ws *Webserver) HandleAssets(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	rest := strings.TrimPrefix(req.URL.Path, "/collections/")
	id := strings.TrimSuffix(rest, "/assets")
	if id == rest || strings.Contains(id, "/") {
		http.NotFound(w, req)
		return
	}
	coll := ws.catalog.Get(id)
	if coll == nil {
		writeError(w, unknownCollectionError(id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection": coll.ID,
		"assets":     coll.Assets,
	})
}

// HandleColormaps serves GET /colormaps.
func (ws *Webserver) HandleColormaps(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{"colormaps": colormapNames()})
}

// HandleColormapPreview serves GET /colormaps/{name}.png with a small
// swatch image of the ramp.
func (ws *Webserver) HandleColormapPreview(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	name := strings.TrimPrefix(req.URL.Path, "/colormaps/")
	name = strings.TrimSuffix(name, ".png")
	data, err := renderColormapPreview(name, 256, 24)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

// HandleUsage serves GET /usage with the calling client's standing
// against the governor's limits.
func (ws *Webserver) HandleUsage(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	writeJSON(w, http.StatusOK, ws.governor.Stats(clientKey(req)))
}

// HandleHealth serves GET /health.
func (ws *Webserver) HandleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ws *Webserver) decodeRequest(req *http.Request) (*downloadRequest, *TileRequest, error) {
	var body downloadRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, nil, badRequest(KindInvalidAsset, "invalid request body: %v", err)
	}
	if body.Collection == "" || body.ItemID == "" || body.Asset == "" {
		return nil, nil, badRequest(KindInvalidAsset, "collection, item_id and asset are required")
	}

	tile := &TileRequest{
		Collection: body.Collection,
		ItemID:     body.ItemID,
		AssetKey:   body.Asset,
	}
	if len(body.BBox) > 0 {
		if len(body.BBox) != 4 {
			return nil, nil, badRequest(KindInvalidBBox, "bbox must have 4 values, got %d", len(body.BBox))
		}
		if body.BBox[0] >= body.BBox[2] || body.BBox[1] >= body.BBox[3] {
			return nil, nil, badRequest(KindInvalidBBox, "bbox must be west,south,east,north with west<east and south<north")
		}
		bound := orb.Bound{
			Min: orb.Point{body.BBox[0], body.BBox[1]},
			Max: orb.Point{body.BBox[2], body.BBox[3]},
		}
		tile.BBox = &bound
	}
	return &body, tile, nil
}

// HandleDownloadInfo serves POST /download/info: dimensions and size
// estimate without downloading. Info requests are not rate limited.
func (ws *Webserver) HandleDownloadInfo(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	_, tile, err := ws.decodeRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := ws.fetcher.Info(req.Context(), tile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleDownload serves POST /download: the full acquisition pipeline,
// ending in either a streamed file or a presigned URL.
func (ws *Webserver) HandleDownload(w http.ResponseWriter, req *http.Request) {
	ws.setCORS(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	body, tile, err := ws.decodeRequest(req)
	if err != nil {
		downloadRequestsTotal.WithLabelValues("bad_request").Inc()
		writeError(w, err)
		return
	}
	client := clientKey(req)

	if err := ws.verifier.Verify(req.Context(), body.TurnstileToken, client); err != nil {
		downloadRequestsTotal.WithLabelValues("verification_failed").Inc()
		writeError(w, err)
		return
	}

	// The governor gates before any expensive work happens.
	if err := ws.governor.CheckRequest(client); err != nil {
		governorDenialsTotal.WithLabelValues(KindRateLimited).Inc()
		writeError(w, err)
		return
	}
	if err := ws.governor.CheckQuota(client); err != nil {
		governorDenialsTotal.WithLabelValues(KindQuotaExceeded).Inc()
		writeError(w, err)
		return
	}

	progress := func(percent int, step string) {
		logger.Printf("%s %s/%s/%s: %d%% %s",
			client, tile.Collection, tile.ItemID, tile.AssetKey, percent, step)
	}
	path, size, err := ws.fetcher.Fetch(req.Context(), tile, progress)
	if err != nil {
		downloadRequestsTotal.WithLabelValues("failed").Inc()
		writeError(w, err)
		return
	}
	defer os.Remove(path)

	// A client gone by now gets no visualization or delivery work.
	if err := req.Context().Err(); err != nil {
		logger.Printf("%s: client disconnected after fetch of %s/%s/%s",
			client, tile.Collection, tile.ItemID, tile.AssetKey)
		downloadRequestsTotal.WithLabelValues("aborted").Inc()
		return
	}

	ext := "tif"
	if strings.EqualFold(body.Format, "png") {
		pngPath, pngSize, err := Visualize(path, VisualizeOptions{
			Bands:    body.Bands,
			Rescale:  body.Rescale,
			Colormap: body.Colormap,
		})
		if err != nil {
			downloadRequestsTotal.WithLabelValues("failed").Inc()
			writeError(w, err)
			return
		}
		os.Remove(path)
		path, size, ext = pngPath, pngSize, "png"
		defer os.Remove(pngPath)
	}

	filename := generateFilename(tile.Collection, tile.ItemID, tile.AssetKey, ext)
	if strings.EqualFold(body.Delivery, "url") && ws.uploader != nil {
		url, err := ws.uploader.Upload(req.Context(), path, filename, contentTypeFor(ext))
		if err != nil {
			downloadRequestsTotal.WithLabelValues("failed").Inc()
			writeError(w, fmt.Errorf("upload failed: %w", err))
			return
		}
		ws.governor.RecordDownload(client, size)
		downloadedBytesTotal.Add(float64(size))
		downloadRequestsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"download_url":       url,
			"filename":           filename,
			"size_bytes":         size,
			"expires_in_seconds": int(ws.uploader.urlExpiry.Seconds()),
		})
		return
	}

	ws.streamFile(w, req, client, path, filename, ext, size)
}

// streamFile sends the finished file as the response body. The quota
// is only charged when the copy ran to completion; a client that
// disconnects halfway pays nothing.
func (ws *Webserver) streamFile(w http.ResponseWriter, req *http.Request, client, path, filename, ext string, size int64) {
	f, err := os.Open(path)
	if err != nil {
		downloadRequestsTotal.WithLabelValues("failed").Inc()
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(ext))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	n, err := io.Copy(w, f)
	if err != nil || n != size {
		logger.Printf("%s: delivery of %s aborted after %d of %d bytes",
			client, filename, n, size)
		downloadRequestsTotal.WithLabelValues("aborted").Inc()
		return
	}

	ws.governor.RecordDownload(client, size)
	downloadedBytesTotal.Add(float64(size))
	downloadRequestsTotal.WithLabelValues("ok").Inc()
	logger.Printf("%s: delivered %s (%s)", client, filename, formatSize(size))
}
