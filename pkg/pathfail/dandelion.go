// Package pathfail implements hop-limited, privacy-preserving propagation of
// path-failure reports: a brief randomized "stem" relay phase followed by a
// "fluff" broadcast phase, so that an observer cannot easily tell which peer
// originated a given report just by watching who it first heard it from.
package pathfail

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultMaxStemHops bounds how many times a report may be relayed
// peer-to-peer (the "stem") before every recipient is required to fluff
// (broadcast) it.
const DefaultMaxStemHops = 2

// DefaultEpochDuration is how long a set of stem relay peers stays fixed
// before being rotated, to limit how long an adversary's relay-selection
// window lasts.
const DefaultEpochDuration = 10 * time.Minute

// ShouldFluff decides, for a report currently at hopCount hops into its
// stem phase, whether this node should fluff (broadcast) rather than relay
// to a single further peer. It always returns true once hopCount reaches
// maxStemHops, and otherwise fluffs with a small fixed probability so the
// stem phase's actual length is unpredictable to an observer.
func ShouldFluff(hopCount int) bool {
	return shouldFluffWithMax(hopCount, DefaultMaxStemHops)
}

func shouldFluffWithMax(hopCount, maxStemHops int) bool {
	if hopCount >= maxStemHops {
		return true
	}
	const fluffProbability = 0.10
	return rand.Float64() < fluffProbability
}

// PeerInfo is the minimal peer identity selectRelayPeers needs: just enough
// to pick and return relay candidates without importing the peerstore
// package (which would create an import cycle with higher-level callers).
type PeerInfo struct {
	ID string
}

// selectRelayPeers deterministically selects up to count peers from peers,
// given a seed and an epoch number. The same seed, epoch, and peer set
// always produce the same selection, so the whole network can agree that
// "epoch 7's relay set" means the same peers without a round trip.
func selectRelayPeers(seed [32]byte, epoch int, peers []PeerInfo, count int) []PeerInfo {
	if len(peers) == 0 {
		return nil
	}
	if count > len(peers) {
		count = len(peers)
	}

	h := sha256.New()
	h.Write(seed[:])
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], uint64(epoch))
	h.Write(epochBytes[:])
	digest := h.Sum(nil)

	src := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(digest[:8]))))

	shuffled := make([]PeerInfo, len(peers))
	copy(shuffled, peers)
	src.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[:count]
}

// Report is one path-failure observation propagating through the stem/fluff
// network. HopCount is incremented by each relay; Nonce lets duplicate
// detection work without relying on report content being unique.
type Report struct {
	OriginPeerID      string
	UnreachablePeerID string
	PathDescription   string
	HopCount          int
	Nonce             [16]byte
	TimestampMs       int64
}

// Epoch is a fixed relay-peer assignment that holds for DefaultEpochDuration.
type Epoch struct {
	ID         int
	RelayPeers []PeerInfo
	StartedAt  time.Time
}

// Router implements the stem/fluff relay decision and epoch rotation for
// path-failure reports. Grounded on wgmesh's Dandelion++-style gossip
// router (its implementation file was not retrieved, but its test suite
// was, and is treated here as an authoritative API contract for the
// equivalent mechanism applied to path-failure reports instead of peer
// announcements).
type Router struct {
	seed [32]byte

	mu           sync.Mutex
	epoch        Epoch
	fluffHandler func(Report)
}

// NewRouter creates a Router seeded with a network-specific secret so that
// relay-peer selection is unpredictable to outsiders but reproducible
// within the network.
func NewRouter(seed [32]byte) *Router {
	return &Router{
		seed:  seed,
		epoch: Epoch{ID: 0, StartedAt: time.Now()},
	}
}

// SetFluffHandler registers the function invoked when a report transitions
// to (or starts in) its fluff phase and must be broadcast to all peers.
func (r *Router) SetFluffHandler(fn func(Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fluffHandler = fn
}

// HandleReport processes an inbound report: increments its hop count and
// either relays it to a single peer from the current epoch's relay set
// (stem) or invokes the fluff handler to broadcast it (fluff). It returns
// the peer to relay to, or nil if the report was fluffed or there is no
// relay peer available.
func (r *Router) HandleReport(report Report) *PeerInfo {
	report.HopCount++

	r.mu.Lock()
	relayPeers := r.epoch.RelayPeers
	handler := r.fluffHandler
	r.mu.Unlock()

	if ShouldFluff(report.HopCount) || len(relayPeers) == 0 {
		if handler != nil {
			handler(report)
		}
		return nil
	}

	chosen := selectRelayPeers(r.seed, r.currentEpochID(), relayPeers, 1)
	if len(chosen) == 0 {
		if handler != nil {
			handler(report)
		}
		return nil
	}
	return &chosen[0]
}

// CreateReport builds a fresh, hop-0 report ready to enter the stem phase.
func CreateReport(originPeerID, unreachablePeerID, pathDescription string, now time.Time) (Report, error) {
	var nonce [16]byte
	if _, err := randRead(nonce[:]); err != nil {
		return Report{}, fmt.Errorf("pathfail: generate nonce: %w", err)
	}
	return Report{
		OriginPeerID:      originPeerID,
		UnreachablePeerID: unreachablePeerID,
		PathDescription:   pathDescription,
		HopCount:          0,
		Nonce:             nonce,
		TimestampMs:       now.UnixMilli(),
	}, nil
}

// RotateEpoch advances to a new epoch with a freshly selected relay set
// drawn from peers.
func (r *Router) RotateEpoch(peers []PeerInfo) Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()

	nextID := r.epoch.ID + 1
	relaySize := relaySetSize(len(peers))
	relays := selectRelayPeers(r.seed, nextID, peers, relaySize)

	r.epoch = Epoch{ID: nextID, RelayPeers: relays, StartedAt: time.Now()}
	return r.epoch
}

func relaySetSize(peerCount int) int {
	if peerCount <= 2 {
		return peerCount
	}
	size := peerCount / 4
	if size < 2 {
		size = 2
	}
	return size
}

// GetEpoch returns the currently active epoch.
func (r *Router) GetEpoch() Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// NeedsEpochRotation reports whether the current epoch has run for at least
// DefaultEpochDuration as of now.
func (r *Router) NeedsEpochRotation(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.epoch.StartedAt) >= DefaultEpochDuration
}

// FormatEpochInfo renders a short human-readable summary of the current
// epoch, for status output and logs.
func (r *Router) FormatEpochInfo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("epoch %d, %d relay peers, started %s ago",
		r.epoch.ID, len(r.epoch.RelayPeers), time.Since(r.epoch.StartedAt).Round(time.Second))
}

func (r *Router) currentEpochID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch.ID
}
