// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSTACItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/sentinel-2-l2a/items/item1" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{
			"id": "item1",
			"assets": {
				"B04": {"href": "https://example.com/B04.tif", "type": "image/tiff"}
			}
		}`)
	}))
	defer server.Close()

	client := newSTACClient(server.URL, "")
	item, err := client.Item(context.Background(), "sentinel-2-l2a", "item1")
	if err != nil {
		t.Fatal(err)
	}
	if item.ID != "item1" {
		t.Errorf("got id %q, want item1", item.ID)
	}
	if got := item.Assets["B04"].Href; got != "https://example.com/B04.tif" {
		t.Errorf("got href %q", got)
	}
}

func TestSTACItemNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := newSTACClient(server.URL, "")
	if _, err := client.Item(context.Background(), "c", "missing"); err == nil {
		t.Error("expected error for missing item")
	}
}

func TestSTACSigning(t *testing.T) {
	var tokenRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/stac/collections/sentinel-2-l2a/items/item1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "item1",
			"assets": {
				"B04": {"href": "https://example.com/B04.tif"},
				"B08": {"href": "https://example.com/B08.tif?foo=1"}
			}
		}`)
	})
	mux.HandleFunc("/sas/sentinel-2-l2a", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		expiry := time.Now().Add(time.Hour).Format(time.RFC3339)
		fmt.Fprintf(w, `{"token": "sig=abc123", "msft:expiry": %q}`, expiry)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newSTACClient(server.URL+"/stac", server.URL+"/sas")
	item, err := client.Item(context.Background(), "sentinel-2-l2a", "item1")
	if err != nil {
		t.Fatal(err)
	}
	if got := item.Assets["B04"].Href; got != "https://example.com/B04.tif?sig=abc123" {
		t.Errorf("got %q, want token appended with ?", got)
	}
	if got := item.Assets["B08"].Href; got != "https://example.com/B08.tif?foo=1&sig=abc123" {
		t.Errorf("got %q, want token appended with &", got)
	}

	// A second lookup reuses the cached token.
	if _, err := client.Item(context.Background(), "sentinel-2-l2a", "item1"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&tokenRequests); n != 1 {
		t.Errorf("got %d token requests, want 1", n)
	}
}

func TestSTACSigningTokenExpired(t *testing.T) {
	var tokenRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/stac/collections/c/items/i", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "i", "assets": {}}`)
	})
	mux.HandleFunc("/sas/c", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		// Expires in 30 seconds, below the refresh margin.
		expiry := time.Now().Add(30 * time.Second).Format(time.RFC3339)
		fmt.Fprintf(w, `{"token": "sig=short", "msft:expiry": %q}`, expiry)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newSTACClient(server.URL+"/stac", server.URL+"/sas")
	for i := 0; i < 2; i++ {
		if _, err := client.Item(context.Background(), "c", "i"); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&tokenRequests); n != 2 {
		t.Errorf("got %d token requests, want 2 for a nearly expired token", n)
	}
}
