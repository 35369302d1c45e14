// Package transport implements the remote collaborators: the catalog
// index service and the partition CDN.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/covmap/server/internal/catalog"
)

// Client fetches the catalog and partition payloads over HTTP.
type Client struct {
	catalogURL string
	baseURL    string
	http       *http.Client
}

// Config contains the remote endpoints.
type Config struct {
	// CatalogURL returns the full pointer catalog as a JSON array.
	CatalogURL string
	// BaseURL is the partition root; partition payloads live at
	// BaseURL/<name>.ndjson.
	BaseURL string
	// Timeout bounds a single request. Zero means 30s.
	Timeout time.Duration
}

// NewClient creates an HTTP transport client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		catalogURL: cfg.CatalogURL,
		baseURL:    cfg.BaseURL,
		http:       &http.Client{Timeout: timeout},
	}
}

// FetchCatalog retrieves the full pointer catalog.
func (c *Client) FetchCatalog(ctx context.Context) ([]catalog.Pointer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: unexpected status %d", resp.StatusCode)
	}

	var pointers []catalog.Pointer
	if err := json.NewDecoder(resp.Body).Decode(&pointers); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	return pointers, nil
}

// FetchPartition streams one partition's NDJSON payload. The caller owns
// the returned body.
func (c *Client) FetchPartition(ctx context.Context, ptr catalog.Pointer) (io.ReadCloser, error) {
	u := c.baseURL + "/" + url.PathEscape(ptr.Name) + ".ndjson"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("partition request %q: %w", ptr.Name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("partition fetch %q: %w", ptr.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("partition fetch %q: unexpected status %d", ptr.Name, resp.StatusCode)
	}
	return resp.Body, nil
}
