// SPDX-License-Identifier: MIT

package main

import (
	"net/http"
	"sync"
	"time"
)

// Defaults for the download governor.
const (
	defaultMaxRequests = 10
	requestWindow      = time.Minute
	defaultQuotaBytes  = 5000 << 20 // 5000 MB
	quotaWindow        = time.Hour
)

// Governor enforces per-client download limits over sliding windows:
// a request rate limit and a byte quota. Events outside their window
// are pruned lazily on each check, so idle clients cost nothing after
// their history ages out.
type Governor struct {
	maxRequests int
	quotaBytes  int64
	now         func() time.Time

	mu        sync.Mutex
	requests  map[string][]time.Time
	downloads map[string][]download
}

type download struct {
	at   time.Time
	size int64
}

// UsageStats reports a client's standing against both limits.
type UsageStats struct {
	RequestsUsed      int   `json:"requests_used"`
	RequestsLimit     int   `json:"requests_limit"`
	DownloadsLastHour int   `json:"downloads_last_hour"`
	BytesUsed         int64 `json:"bytes_used"`
	BytesLimit        int64 `json:"bytes_limit"`
	WindowSeconds     int   `json:"request_window_seconds"`
	QuotaWindowSec    int   `json:"quota_window_seconds"`
}

func NewGovernor(maxRequests int, quotaBytes int64) *Governor {
	return &Governor{
		maxRequests: maxRequests,
		quotaBytes:  quotaBytes,
		now:         time.Now,
		requests:    make(map[string][]time.Time),
		downloads:   make(map[string][]download),
	}
}

// CheckRequest records one request attempt for the client and reports
// whether it is allowed. Denied attempts are not recorded, so a client
// hammering the endpoint does not push its own window forward.
func (g *Governor) CheckRequest(client string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	recent := pruneTimes(g.requests[client], now.Add(-requestWindow))
	if len(recent) >= g.maxRequests {
		g.requests[client] = recent
		return &apiError{
			Status: http.StatusTooManyRequests,
			Kind:   KindRateLimited,
			Detail: "too many download requests, try again in a minute",
		}
	}
	g.requests[client] = append(recent, now)
	return nil
}

// CheckQuota reports whether the client may start another download.
// A download that starts under the cap is allowed to finish even when
// it pushes usage past it; the overshoot blocks the next one instead.
func (g *Governor) CheckQuota(client string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.usedBytesLocked(client) >= g.quotaBytes {
		return &apiError{
			Status: http.StatusTooManyRequests,
			Kind:   KindQuotaExceeded,
			Detail: "hourly download quota exceeded",
		}
	}
	return nil
}

// RecordDownload charges delivered bytes against the client's quota.
// Only completed deliveries should be recorded; a download aborted by
// a disconnect costs the client nothing.
func (g *Governor) RecordDownload(client string, size int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	recent := pruneDownloads(g.downloads[client], now.Add(-quotaWindow))
	g.downloads[client] = append(recent, download{at: now, size: size})
}

// Stats returns the client's current usage.
func (g *Governor) Stats(client string) UsageStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.requests[client] = pruneTimes(g.requests[client], now.Add(-requestWindow))
	used := g.usedBytesLocked(client)
	return UsageStats{
		RequestsUsed:      len(g.requests[client]),
		RequestsLimit:     g.maxRequests,
		DownloadsLastHour: len(g.downloads[client]),
		BytesUsed:         used,
		BytesLimit:        g.quotaBytes,
		WindowSeconds:     int(requestWindow.Seconds()),
		QuotaWindowSec:    int(quotaWindow.Seconds()),
	}
}

func (g *Governor) usedBytesLocked(client string) int64 {
	recent := pruneDownloads(g.downloads[client], g.now().Add(-quotaWindow))
	g.downloads[client] = recent
	var used int64
	for _, d := range recent {
		used += d.size
	}
	return used
}

func pruneTimes(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func pruneDownloads(events []download, cutoff time.Time) []download {
	kept := events[:0]
	for _, d := range events {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	return kept
}
