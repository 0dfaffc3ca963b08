// Package directory provides the fingerprint-to-hub-endpoint lookup
// the routing engine treats as an external collaborator (a DHT in
// production; here, a small HTTP resolver good enough to run the hub
// end-to-end against a directory peer).
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/overlaymesh/hub/peerid"
)

// Endpoint is a dialable hub address, e.g. "hub-b.example.net:4433".
type Endpoint struct {
	Address string
}

// Lookup resolves a PeerId to the hub endpoint that currently owns
// it. Resolve returns (_, false, nil) when the directory has no entry
// for id, distinct from a transport-level error.
type Lookup interface {
	Resolve(ctx context.Context, id peerid.PeerId) (Endpoint, bool, error)
}

// HTTPClient is a Lookup backed by a trivial JSON HTTP API:
// GET {baseURL}/resolve/<hex-fingerprint> -> {"address": "host:port"}
// or 404 if unknown.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a Lookup that queries baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type resolveResponse struct {
	Address string `json:"address"`
}

// Resolve implements Lookup.
func (c *HTTPClient) Resolve(ctx context.Context, id peerid.PeerId) (Endpoint, bool, error) {
	url := fmt.Sprintf("%s/resolve/%s", c.baseURL, id.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Endpoint{}, false, fmt.Errorf("directory: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Endpoint{}, false, fmt.Errorf("directory: query %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Endpoint{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, false, fmt.Errorf("directory: unexpected status %d", resp.StatusCode)
	}

	var decoded resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Endpoint{}, false, fmt.Errorf("directory: decode response: %w", err)
	}
	return Endpoint{Address: decoded.Address}, true, nil
}
