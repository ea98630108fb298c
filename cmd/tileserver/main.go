// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger *log.Logger

func main() {
	port := flag.Int("port", 0, "port for serving HTTP requests")
	stacURL := flag.String("stac", "https://planetarycomputer.microsoft.com/api/stac/v1", "base URL of the STAC API")
	tokenURL := flag.String("stac-token", "https://planetarycomputer.microsoft.com/api/sas/v1/token", "URL for signing tokens, empty to disable signing")
	storagekey := flag.String("storage-key", "", "path to key with storage access credentials")
	bucket := flag.String("bucket", "tiles", "storage bucket for URL deliveries")
	tmpdir := flag.String("tmpdir", "", "scratch directory for downloads, empty for the system default")
	maxFileMB := flag.Int64("max-file-size-mb", 1500, "largest download in megabytes")
	turnstileSecret := flag.String("turnstile-secret", "", "Cloudflare Turnstile secret, empty to disable verification")
	corsOrigin := flag.String("cors-origin", "", "value for Access-Control-Allow-Origin, empty for *")
	urlExpiry := flag.Duration("url-expiry", 10*time.Minute, "lifetime of presigned download URLs")
	flag.Parse()

	if *port == 0 {
		*port, _ = strconv.Atoi(os.Getenv("PORT"))
	}
	if *turnstileSecret == "" {
		*turnstileSecret = os.Getenv("TURNSTILE_SECRET")
	}

	logfile, err := createLogFile()
	if err != nil {
		log.Fatal(err)
	}
	defer logfile.Close()
	logger = log.New(logfile, "", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

	catalog := DefaultCatalog()
	stac := newSTACClient(*stacURL, *tokenURL)
	fetcher := NewFetcher(catalog, stac, *tmpdir, *maxFileMB<<20)
	governor := NewGovernor(defaultMaxRequests, defaultQuotaBytes)
	verifier := NewVerifier(*turnstileSecret)

	var uploader *Uploader
	if *storagekey != "" {
		storage, err := NewStorage(*storagekey)
		if err != nil {
			logger.Fatal(err)
		}
		uploader = NewUploader(storage, *bucket, *urlExpiry)
	}

	ws := &Webserver{
		catalog:    catalog,
		fetcher:    fetcher,
		governor:   governor,
		verifier:   verifier,
		uploader:   uploader,
		corsOrigin: *corsOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/collections", ws.HandleCollections)
	mux.HandleFunc("/collections/", ws.HandleAssets)
	mux.HandleFunc("/colormaps", ws.HandleColormaps)
	mux.HandleFunc("/colormaps/", ws.HandleColormapPreview)
	mux.HandleFunc("/download", ws.HandleDownload)
	mux.HandleFunc("/download/info", ws.HandleDownloadInfo)
	mux.HandleFunc("/usage", ws.HandleUsage)
	mux.HandleFunc("/health", ws.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("Listening for HTTP requests on port %d", *port)
	logger.Printf("Listening for HTTP requests on port %d", *port)
	log.Fatal(http.ListenAndServe(":"+strconv.Itoa(*port), logRequests(mux)))
}

// logRequests wraps the mux so every request leaves a log line with
// its handling duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s %s (%.3fs)",
			clientKey(r), r.Method, r.URL.Path, time.Since(start).Seconds())
	})
}

func createLogFile() (*os.File, error) {
	logpath := filepath.Join("logs", "tileserver.log")
	if err := os.MkdirAll("logs", os.ModePerm); err != nil {
		return nil, err
	}

	logfile, err := os.OpenFile(logpath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return logfile, nil
}
