// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// stacAsset is one downloadable file of a catalog item.
type stacAsset struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

// stacItem is the catalog record of a single scene.
type stacItem struct {
	ID     string               `json:"id"`
	Assets map[string]stacAsset `json:"assets"`
}

// stacClient looks up scene metadata in a STAC catalog. The concrete
// implementation talks HTTP; tests substitute fakes.
type stacClient interface {
	Item(ctx context.Context, collection, itemID string) (*stacItem, error)
}

// stacAPI is a client for a STAC API such as the Planetary Computer.
// When tokenURL is set, asset hrefs get signed with short-lived SAS
// tokens fetched per collection and cached until shortly before they
// expire.
type stacAPI struct {
	baseURL  string
	tokenURL string
	client   *http.Client

	mu     sync.Mutex
	tokens map[string]sasToken
}

type sasToken struct {
	token  string
	expiry time.Time
}

func newSTACClient(baseURL, tokenURL string) *stacAPI {
	return &stacAPI{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokenURL: strings.TrimRight(tokenURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		tokens:   make(map[string]sasToken),
	}
}

// Item fetches one item record and signs its asset hrefs.
func (s *stacAPI) Item(ctx context.Context, collection, itemID string) (*stacItem, error) {
	url := fmt.Sprintf("%s/collections/%s/items/%s", s.baseURL, collection, itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("item lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("item lookup failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var item stacItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}

	if s.tokenURL != "" {
		token, err := s.signingToken(ctx, collection)
		if err != nil {
			return nil, err
		}
		for key, asset := range item.Assets {
			asset.Href = appendToken(asset.Href, token)
			item.Assets[key] = asset
		}
	}
	return &item, nil
}

// signingToken returns a cached SAS token for the collection, fetching
// a fresh one when the cached token is within a minute of expiring.
func (s *stacAPI) signingToken(ctx context.Context, collection string) (string, error) {
	s.mu.Lock()
	cached, ok := s.tokens[collection]
	s.mu.Unlock()
	if ok && time.Until(cached.expiry) > time.Minute {
		return cached.token, nil
	}

	url := fmt.Sprintf("%s/%s", s.tokenURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: HTTP %d", resp.StatusCode)
	}

	var body struct {
		Token  string    `json:"token"`
		Expiry time.Time `json:"msft:expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("token endpoint returned no token for %s", collection)
	}

	s.mu.Lock()
	s.tokens[collection] = sasToken{token: body.Token, expiry: body.Expiry}
	s.mu.Unlock()
	return body.Token, nil
}

// appendToken attaches a SAS token to an asset href as a query string.
func appendToken(href, token string) string {
	if strings.Contains(href, "?") {
		return href + "&" + token
	}
	return href + "?" + token
}
