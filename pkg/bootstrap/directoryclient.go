package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/omerta-mesh/core/pkg/wire"
)

// DirectoryClient is the node-side counterpart to pkg/directory's HTTP API:
// it registers this node's own announcement and fetches a network's
// currently-registered peers from a central directory instance, as a
// higher-availability supplement to Config.HardcodedEndpoints. Entirely
// optional — a node with no Config.DirectoryURL never constructs one and
// bootstraps from hard-coded nodes only.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient builds a client against a directory reachable at
// baseURL (e.g. "https://directory.example.com").
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register publishes ann under networkID so other nodes' Peers calls can
// discover it. The directory independently re-verifies ann's signature; a
// node never needs to authenticate to the directory beyond that.
func (c *DirectoryClient) Register(ctx context.Context, networkID string, ann wire.SignedAnnouncement) error {
	body, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("bootstrap: marshal announcement: %w", err)
	}

	url := fmt.Sprintf("%s/v1/networks/%s/peers", c.baseURL, networkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bootstrap: build directory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: directory register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bootstrap: directory register: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Peers fetches every announcement currently registered for networkID. The
// caller must re-verify each announcement's signature before trusting it —
// the directory is a rendezvous point, not a trust anchor.
func (c *DirectoryClient) Peers(ctx context.Context, networkID string) ([]wire.SignedAnnouncement, error) {
	url := fmt.Sprintf("%s/v1/networks/%s/peers", c.baseURL, networkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build directory request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: directory query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bootstrap: directory query: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Peers []wire.SignedAnnouncement `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bootstrap: decode directory response: %w", err)
	}
	return out.Peers, nil
}

// Endpoints re-verifies each of the network's directory-listed
// announcements and returns the direct endpoints of those that verify and
// are not expired. Bootstrap merges them into its candidate list itself
// when Config.DirectoryURL is set.
func (c *DirectoryClient) Endpoints(ctx context.Context, networkID string, now time.Time, maxAge time.Duration) ([]string, error) {
	anns, err := c.Peers(ctx, networkID)
	if err != nil {
		return nil, err
	}

	var endpoints []string
	for _, ann := range anns {
		if !wire.VerifyAnnouncement(&ann) {
			continue
		}
		if now.Sub(time.UnixMilli(ann.CreatedAtMs)) > maxAge {
			continue
		}
		endpoints = append(endpoints, ann.Endpoints...)
	}
	return endpoints, nil
}
