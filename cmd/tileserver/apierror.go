// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error kinds, returned to clients alongside a
// human-readable detail string.
const (
	KindInvalidAsset       = "invalid_asset"
	KindCollectionDisabled = "collection_disabled"
	KindSecurityFailed     = "security_verification_failed"
	KindMetadataLookup     = "metadata_lookup_failed"
	KindSourceUnavailable  = "source_unavailable"
	KindSizeLimitExceeded  = "size_limit_exceeded"
	KindVisualizationFail  = "visualization_failed"
	KindRateLimited        = "rate_limited"
	KindQuotaExceeded      = "quota_exceeded"
	KindInvalidBBox        = "invalid_bbox"
)

// apiError carries an HTTP status, a machine-readable kind and a
// human-readable detail through the pipeline up to the HTTP layer.
type apiError struct {
	Status int
	Kind   string
	Detail string
	cause  error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *apiError) Unwrap() error {
	return e.cause
}

func badRequest(kind, format string, args ...interface{}) *apiError {
	return &apiError{Status: http.StatusBadRequest, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func invalidAssetError(collection, asset string, available []string) *apiError {
	return badRequest(KindInvalidAsset,
		"asset %q not available for %s; available: %v", asset, collection, available)
}

func unknownCollectionError(collection string) *apiError {
	return badRequest(KindInvalidAsset, "unknown collection: %s", collection)
}

func collectionDisabledError(c *Collection) *apiError {
	return badRequest(KindCollectionDisabled,
		"collection %s is disabled: %s", c.ID, c.DisabledReason)
}

func metadataLookupError(cause error) *apiError {
	return &apiError{
		Status: http.StatusBadRequest,
		Kind:   KindMetadataLookup,
		Detail: "failed to fetch catalog metadata",
		cause:  cause,
	}
}

func sourceUnavailableError(cause error) *apiError {
	return &apiError{
		Status: http.StatusBadRequest,
		Kind:   KindSourceUnavailable,
		Detail: "failed to read source raster",
		cause:  cause,
	}
}

func sizeLimitError(size, limit int64) *apiError {
	return badRequest(KindSizeLimitExceeded,
		"file size (%s) exceeds maximum allowed (%s)", formatSize(size), formatSize(limit))
}

func visualizationError(cause error) *apiError {
	return &apiError{
		Status: http.StatusInternalServerError,
		Kind:   KindVisualizationFail,
		Detail: "failed to convert raster to image",
		cause:  cause,
	}
}

// asAPIError maps any error to an apiError, wrapping unexpected
// failures as internal errors so that no pipeline error ever reaches
// a client without a status and a kind.
func asAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	return &apiError{
		Status: http.StatusInternalServerError,
		Kind:   "internal_error",
		Detail: "unexpected error",
		cause:  err,
	}
}
