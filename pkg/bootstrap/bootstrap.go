// Package bootstrap gets a freshly started node from "no known peers" to
// "at least one confirmed-live peer", trying persisted peers, hard-coded
// bootstrap nodes, and optional DHT rendezvous / central directory lookups.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/peerstore"
)

// Config controls which bootstrap strategies run and their inputs.
type Config struct {
	HardcodedEndpoints []string
	UsePersistedPeers  bool
	MaxConcurrentPings int
	PingTimeout        time.Duration

	// DirectoryURL, if non-empty, is queried via DirectoryClient for
	// additional candidate endpoints before Bootstrap runs. Empty disables
	// the directory supplement entirely; bootstrap proceeds via
	// HardcodedEndpoints and persisted peers only.
	DirectoryURL string
	// DirectoryNetworkID scopes the directory query; required when
	// DirectoryURL is set.
	DirectoryNetworkID string
	// DirectoryMaxAge bounds how old a directory-listed announcement may be
	// before it's discarded as a candidate.
	DirectoryMaxAge time.Duration

	// RendezvousID, if non-zero, is queried against the BitTorrent Mainline
	// DHT for candidate endpoints before Bootstrap runs. A zero value
	// disables the DHT supplement entirely.
	RendezvousID [20]byte
	// RendezvousPort is the local port announced alongside RendezvousID so
	// other nodes querying it can reach this one back.
	RendezvousPort int
	// RendezvousTimeout bounds how long the DHT query/announce round runs.
	RendezvousTimeout time.Duration
}

// DefaultConfig returns reasonable bootstrap tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPings: 8,
		PingTimeout:        5 * time.Second,
		DirectoryMaxAge:    10 * time.Minute,
		RendezvousTimeout:  15 * time.Second,
	}
}

// Pinger confirms liveness of a candidate endpoint and, on success, returns
// the identity that answered.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) (identity.PeerID, error)
}

// Result is one successfully confirmed bootstrap candidate.
type Result struct {
	PeerID   identity.PeerID
	Endpoint string
}

// Bootstrap fans out Ping attempts across every candidate endpoint —
// persisted peers (if enabled) plus hard-coded nodes — and returns every
// one that answered, in no particular order. Grounded on wgmesh's
// `pkg/discovery/dht.go` background fan-out pattern, generalized from a
// single DHT query loop to a bounded-concurrency errgroup fan-out using
// `golang.org/x/sync/errgroup`, matching the teacher's own dependency on
// `golang.org/x/sync`.
func Bootstrap(ctx context.Context, cfg Config, pinger Pinger, persisted []peerstore.StoredPeer) ([]Result, error) {
	candidates := collectCandidates(cfg, persisted)

	if cfg.DirectoryURL != "" {
		dirEndpoints, err := NewDirectoryClient(cfg.DirectoryURL).Endpoints(ctx, cfg.DirectoryNetworkID, time.Now(), cfg.DirectoryMaxAge)
		if err == nil {
			seen := make(map[string]struct{}, len(candidates))
			for _, ep := range candidates {
				seen[ep] = struct{}{}
			}
			for _, ep := range dirEndpoints {
				if _, ok := seen[ep]; ok {
					continue
				}
				seen[ep] = struct{}{}
				candidates = append(candidates, ep)
			}
		}
		// A directory that's down or unreachable is not fatal — it's a
		// supplement, not a required dependency.
	}

	var zeroRendezvous [20]byte
	if cfg.RendezvousID != zeroRendezvous {
		if rendezvousEndpoints, err := queryRendezvous(ctx, cfg); err == nil {
			seen := make(map[string]struct{}, len(candidates))
			for _, ep := range candidates {
				seen[ep] = struct{}{}
			}
			for _, ep := range rendezvousEndpoints {
				if _, ok := seen[ep]; ok {
					continue
				}
				seen[ep] = struct{}{}
				candidates = append(candidates, ep)
			}
		}
		// An unreachable or empty DHT swarm is not fatal — like the
		// directory, it's a supplement on top of persisted/hard-coded
		// candidates.
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("bootstrap: no candidate endpoints configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(cfg.MaxConcurrentPings, 1))

	results := make(chan Result, len(candidates))
	for _, endpoint := range candidates {
		endpoint := endpoint
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, cfg.PingTimeout)
			defer cancel()

			peerID, err := pinger.Ping(pingCtx, endpoint)
			if err != nil {
				return nil // a single dead bootstrap candidate is not fatal
			}
			results <- Result{PeerID: peerID, Endpoint: endpoint}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make([]Result, 0, len(results))
	for r := range results {
		out = append(out, r)
	}
	return out, nil
}

func collectCandidates(cfg Config, persisted []peerstore.StoredPeer) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(endpoint string) {
		if endpoint == "" {
			return
		}
		if _, ok := seen[endpoint]; ok {
			return
		}
		seen[endpoint] = struct{}{}
		out = append(out, endpoint)
	}

	if cfg.UsePersistedPeers {
		for _, sp := range persisted {
			for _, path := range sp.Announcement.Paths {
				if path.Kind == peerstore.ReachabilityDirect {
					add(path.Endpoint)
				}
			}
		}
	}
	for _, ep := range cfg.HardcodedEndpoints {
		add(ep)
	}
	return out
}

// queryRendezvous joins the DHT swarm, announces this node's own endpoint
// and queries for peers under the same RendezvousID, then tears the DHT
// server back down. Bootstrap runs rarely enough (omertad calls it once, at
// node startup) that paying the DHT
// bind/join cost per call is preferable to holding a server open for the
// life of the process.
func queryRendezvous(ctx context.Context, cfg Config) ([]string, error) {
	rv, err := NewRendezvous()
	if err != nil {
		return nil, err
	}
	defer rv.Close()

	if cfg.RendezvousPort != 0 {
		go rv.Announce(ctx, cfg.RendezvousID, cfg.RendezvousPort, cfg.RendezvousTimeout)
	}
	return rv.Query(ctx, cfg.RendezvousID, cfg.RendezvousTimeout)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
