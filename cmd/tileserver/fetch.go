// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/valyala/fasthttp"
)

// TileRequest identifies what to download: one asset of one catalog
// item, optionally clipped to a geographic bounding box in degrees.
type TileRequest struct {
	Collection string
	ItemID     string
	AssetKey   string
	BBox       *orb.Bound
}

// ProgressFunc receives pipeline milestones. percent is 0..100; step
// is a short human-readable label for what is happening.
type ProgressFunc func(percent int, step string)

// TileInfo describes a pending download without performing it.
type TileInfo struct {
	Collection    string `json:"collection"`
	ItemID        string `json:"item_id"`
	AssetKey      string `json:"asset"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Bands         int    `json:"bands"`
	DataType      string `json:"data_type"`
	CRS           string `json:"crs"`
	EstimatedSize int64  `json:"estimated_size_bytes"`
}

// Fetcher runs the tile acquisition pipeline: catalog lookup, windowed
// raster read and GeoTIFF encoding into a temporary file.
type Fetcher struct {
	catalog     *Catalog
	stac        stacClient
	rangeClient *fasthttp.Client
	tmpDir      string
	maxFileSize int64
}

func NewFetcher(catalog *Catalog, stac stacClient, tmpDir string, maxFileSize int64) *Fetcher {
	return &Fetcher{
		catalog: catalog,
		stac:    stac,
		rangeClient: &fasthttp.Client{
			MaxResponseBodySize: 256 << 20,
		},
		tmpDir:      tmpDir,
		maxFileSize: maxFileSize,
	}
}

// validate checks the request against the catalog.
func (f *Fetcher) validate(req *TileRequest) error {
	coll := f.catalog.Get(req.Collection)
	if coll == nil {
		return unknownCollectionError(req.Collection)
	}
	if coll.Disabled {
		return collectionDisabledError(coll)
	}
	if !f.catalog.HasAsset(req.Collection, req.AssetKey) {
		return invalidAssetError(req.Collection, req.AssetKey, coll.AssetKeys())
	}
	return nil
}

// resolve looks up the item and opens its raster, resolving the pixel
// window if the request carries a bounding box. The returned raster
// must be closed by the caller.
func (f *Fetcher) resolve(ctx context.Context, req *TileRequest) (*Raster, *Window, Affine, error) {
	item, err := f.stac.Item(ctx, req.Collection, req.ItemID)
	if err != nil {
		return nil, nil, Affine{}, metadataLookupError(err)
	}
	asset, ok := item.Assets[req.AssetKey]
	if !ok {
		keys := make([]string, 0, len(item.Assets))
		for k := range item.Assets {
			keys = append(keys, k)
		}
		return nil, nil, Affine{}, invalidAssetError(req.Collection, req.AssetKey, keys)
	}

	raster, err := OpenRaster(asset.Href, f.rangeClient)
	if err != nil {
		return nil, nil, Affine{}, sourceUnavailableError(err)
	}

	meta := raster.Metadata()
	transform := meta.Transform
	var win *Window
	if req.BBox != nil {
		w, t, err := ResolveWindow(*req.BBox, meta.CRS, meta.Transform, meta.Width, meta.Height)
		if err != nil {
			raster.Close()
			if errors.Is(err, errEmptyWindow) {
				return nil, nil, Affine{}, badRequest(KindInvalidBBox,
					"bounding box does not intersect item %s", req.ItemID)
			}
			return nil, nil, Affine{}, sourceUnavailableError(err)
		}
		win = &w
		transform = t
	}
	return raster, win, transform, nil
}

// Info reports the dimensions and estimated size of a download without
// reading any pixel data.
func (f *Fetcher) Info(ctx context.Context, req *TileRequest) (*TileInfo, error) {
	if err := f.validate(req); err != nil {
		return nil, err
	}
	raster, win, _, err := f.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	defer raster.Close()

	meta := raster.Metadata()
	width, height := meta.Width, meta.Height
	if win != nil {
		width, height = win.Width, win.Height
	}
	return &TileInfo{
		Collection:    req.Collection,
		ItemID:        req.ItemID,
		AssetKey:      req.AssetKey,
		Width:         width,
		Height:        height,
		Bands:         meta.Bands,
		DataType:      meta.SampleType.String(),
		CRS:           meta.CRS,
		EstimatedSize: int64(width) * int64(height) * int64(meta.Bands) * int64(meta.SampleType.Size()),
	}, nil
}

// Fetch runs the full pipeline and returns the path of a temporary
// GeoTIFF plus its size in bytes. The caller owns the file and must
// remove it when done. Cancellation is checked before the expensive
// network read starts and again after the file has been written, so a
// client that disconnects mid-download never gets billed for a file
// that was not delivered.
func (f *Fetcher) Fetch(ctx context.Context, req *TileRequest, progress ProgressFunc) (string, int64, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	if err := f.validate(req); err != nil {
		return "", 0, err
	}

	progress(5, "Looking up scene metadata")
	raster, win, transform, err := f.resolve(ctx, req)
	if err != nil {
		return "", 0, err
	}
	defer raster.Close()

	meta := raster.Metadata()
	progress(15, "Preparing download")
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	progress(20, "Reading source raster")
	grid, err := raster.Read(win)
	if err != nil {
		return "", 0, sourceUnavailableError(err)
	}

	progress(30, "Encoding GeoTIFF")
	outMeta := meta
	outMeta.Transform = transform
	path, size, err := f.writeTempTiff(grid, outMeta)
	if err != nil {
		return "", 0, err
	}

	// The size cap applies to the finished file, compression included,
	// so a large scene that compresses well still goes through.
	progress(60, "Verifying download")
	if f.maxFileSize > 0 && size > f.maxFileSize {
		os.Remove(path)
		return "", 0, sizeLimitError(size, f.maxFileSize)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(path)
		return "", 0, err
	}

	progress(70, "Finalizing")
	return path, size, nil
}

// writeTempTiff encodes the grid into a temporary file. The partial
// file is removed on any failure so that aborted downloads never
// accumulate in the scratch directory.
func (f *Fetcher) writeTempTiff(grid *Grid, meta Metadata) (string, int64, error) {
	tmp, err := os.CreateTemp(f.tmpDir, "tile-*.tif")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create scratch file: %w", err)
	}
	if err := WriteGeoTIFF(tmp, grid, meta); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), info.Size(), nil
}
