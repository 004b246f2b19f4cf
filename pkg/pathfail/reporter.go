package pathfail

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
)

// Config controls path-failure reporting: how often a node may report the
// same unreachable peer, how long a dedup entry is remembered, and how many
// hops a report may travel in total before it is dropped regardless of
// stem/fluff phase.
type Config struct {
	ReportInterval     time.Duration
	FailureMemory      time.Duration
	MaxPropagationHops int
}

// DefaultConfig returns the specification's default path-failure tuning.
func DefaultConfig() Config {
	return Config{
		ReportInterval:     60 * time.Second,
		FailureMemory:      5 * time.Minute,
		MaxPropagationHops: 2,
	}
}

// Transport is the capability the Reporter needs from the rest of the node:
// deliver a report to a single relay peer (stem) or broadcast it to every
// known peer (fluff).
type Transport interface {
	SendReportToPeer(ctx context.Context, peer identity.PeerID, report Report) error
	BroadcastReport(ctx context.Context, report Report) error
}

type dedupKey [32]byte

func pathHash(unreachablePeerID, pathDescription string) dedupKey {
	h := sha256.New()
	h.Write([]byte(unreachablePeerID))
	h.Write([]byte{0})
	h.Write([]byte(pathDescription))
	var out dedupKey
	copy(out[:], h.Sum(nil))
	return out
}

type seenEntry struct {
	at time.Time
}

// Reporter owns path-failure reporting and relay for one node: suppressing
// duplicate reports within ReportInterval, forgetting dedup state after
// FailureMemory, capping total hops at MaxPropagationHops, and delegating
// the stem/fluff relay decision to a Router.
type Reporter struct {
	cfg       Config
	router    *Router
	transport Transport
	selfID    identity.PeerID

	mu   sync.Mutex
	seen map[dedupKey]seenEntry
}

// NewReporter creates a Reporter for selfID, using router for stem/fluff
// relay decisions and transport to actually deliver reports.
func NewReporter(selfID identity.PeerID, cfg Config, router *Router, transport Transport) *Reporter {
	r := &Reporter{
		cfg:       cfg,
		router:    router,
		transport: transport,
		selfID:    selfID,
		seen:      make(map[dedupKey]seenEntry),
	}
	router.SetFluffHandler(func(report Report) {
		_ = transport.BroadcastReport(context.Background(), report)
	})
	return r
}

// ReportFailure records a locally-observed path failure and, unless an
// equivalent report was already sent within ReportInterval, enters it into
// the stem/fluff propagation network.
func (r *Reporter) ReportFailure(ctx context.Context, now time.Time, unreachablePeerID, pathDescription string) error {
	key := pathHash(unreachablePeerID, pathDescription)

	r.mu.Lock()
	if entry, ok := r.seen[key]; ok && now.Sub(entry.at) < r.cfg.ReportInterval {
		r.mu.Unlock()
		return nil
	}
	r.seen[key] = seenEntry{at: now}
	r.mu.Unlock()

	report, err := CreateReport(string(r.selfID), unreachablePeerID, pathDescription, now)
	if err != nil {
		return err
	}
	return r.relay(ctx, report)
}

// HandleInbound processes a report received from another peer: applies the
// hop ceiling, dedup, and then the stem/fluff relay decision, same as a
// locally-originated report past its first hop.
func (r *Reporter) HandleInbound(ctx context.Context, now time.Time, report Report) error {
	if report.HopCount >= r.cfg.MaxPropagationHops {
		return nil
	}

	key := pathHash(report.UnreachablePeerID, report.PathDescription)
	r.mu.Lock()
	if entry, ok := r.seen[key]; ok && now.Sub(entry.at) < r.cfg.FailureMemory {
		r.mu.Unlock()
		return nil
	}
	r.seen[key] = seenEntry{at: now}
	r.mu.Unlock()

	return r.relay(ctx, report)
}

func (r *Reporter) relay(ctx context.Context, report Report) error {
	if report.HopCount >= r.cfg.MaxPropagationHops {
		return nil
	}
	relayTo := r.router.HandleReport(report)
	if relayTo == nil {
		return nil
	}
	report.HopCount++
	return r.transport.SendReportToPeer(ctx, identity.PeerID(relayTo.ID), report)
}

// ForgetExpired drops dedup entries older than FailureMemory, bounding the
// map's growth.
func (r *Reporter) ForgetExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, v := range r.seen {
		if now.Sub(v.at) >= r.cfg.FailureMemory {
			delete(r.seen, k)
			removed++
		}
	}
	return removed
}

// EpochRotationLoop rotates the router's relay-peer epoch on a timer until
// ctx is canceled, sourcing the current peer set from getPeers on each tick.
// Grounded on wgmesh's `pkg/daemon/epoch.go` EpochManager.Start loop.
func (r *Reporter) EpochRotationLoop(ctx context.Context, getPeers func() []PeerInfo) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.router.NeedsEpochRotation(time.Now()) {
				r.router.RotateEpoch(getPeers())
			}
		}
	}
}
