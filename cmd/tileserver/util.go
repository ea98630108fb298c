// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var sizePrinter = message.NewPrinter(language.English)

// formatSize renders a byte count in human-readable form, with
// thousands separators on the leading figure for large values.
func formatSize(size int64) string {
	switch {
	case size < 1<<10:
		return fmt.Sprintf("%d B", size)
	case size < 1<<20:
		return sizePrinter.Sprintf("%.1f KB", float64(size)/(1<<10))
	case size < 1<<30:
		return sizePrinter.Sprintf("%.1f MB", float64(size)/(1<<20))
	default:
		return sizePrinter.Sprintf("%.2f GB", float64(size)/(1<<30))
	}
}

// generateFilename builds the download filename from the tile
// reference. Item ids can be very long (Sentinel-2 ids run over 60
// characters), so they get truncated to keep filenames manageable.
func generateFilename(collection, itemID, asset, ext string) string {
	if len(itemID) > 50 {
		itemID = itemID[:50]
	}
	return fmt.Sprintf("%s_%s_%s.%s", collection, itemID, asset, ext)
}

// contentTypeFor maps a download format extension to its MIME type.
func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case "tif", "tiff", "geotiff":
		return "image/tiff"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
