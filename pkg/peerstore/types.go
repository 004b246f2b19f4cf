// Package peerstore holds the in-memory peer cache and the on-disk,
// network-scoped peer store, plus the peer announcement and reachability
// types they manage.
package peerstore

import (
	"net"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// ReachabilityPathKind discriminates ReachabilityPath.
type ReachabilityPathKind string

const (
	ReachabilityDirect  ReachabilityPathKind = "direct"
	ReachabilityRelay   ReachabilityPathKind = "relay"
	ReachabilityUnknown ReachabilityPathKind = "unknown"
)

// ReachabilityPath is a tagged union describing how a peer was last known to
// be reachable: directly at an endpoint, through a relay peer, or not at
// all. Modeled as a flat struct with a kind tag, following the teacher's
// preference (see daemon.PeerInfo) for simple structs over interface
// hierarchies for small closed sets of variants.
type ReachabilityPath struct {
	Kind        ReachabilityPathKind `json:"kind"`
	Endpoint    string               `json:"endpoint,omitempty"`    // ReachabilityDirect
	RelayPeerID identity.PeerID      `json:"relayPeerId,omitempty"` // ReachabilityRelay
}

// DirectPath builds a ReachabilityPath that reaches a peer directly.
func DirectPath(endpoint string) ReachabilityPath {
	return ReachabilityPath{Kind: ReachabilityDirect, Endpoint: endpoint}
}

// RelayPath builds a ReachabilityPath that reaches a peer via a relay.
func RelayPath(relay identity.PeerID) ReachabilityPath {
	return ReachabilityPath{Kind: ReachabilityRelay, RelayPeerID: relay}
}

// IsValidEndpoint reports whether a "host:port" endpoint is fit to dial: not
// loopback, multicast, unspecified, or link-local. Endpoints that don't
// parse as an IP literal (bare hostnames) are treated as valid, since the
// recognized-invalid set is defined only over IP addresses.
func IsValidEndpoint(endpoint string) bool {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// ValidPaths returns the subset of paths that survive endpoint validation.
// Relay paths carry no endpoint of their own and pass through unchanged;
// their validity is judged when the relay's own direct path is resolved.
func ValidPaths(paths []ReachabilityPath) []ReachabilityPath {
	out := make([]ReachabilityPath, 0, len(paths))
	for _, p := range paths {
		if p.Kind == ReachabilityDirect && !IsValidEndpoint(p.Endpoint) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Reliability tracks a peer's recent send success/failure history, used to
// rank peers for eviction and for AllPeers ordering.
type Reliability struct {
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

// Score returns a value in [0,1] summarizing recent reliability; peers with
// no history score 0.5 (neutral, neither trusted nor distrusted).
func (r Reliability) Score() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(r.SuccessCount) / float64(total)
}

// RecordSuccess updates reliability after a successful exchange with a peer.
func (r *Reliability) RecordSuccess(at time.Time) {
	r.SuccessCount++
	r.LastSuccessAt = at
}

// RecordFailure updates reliability after a failed send attempt.
func (r *Reliability) RecordFailure(at time.Time) {
	r.FailureCount++
	r.LastFailureAt = at
}

// DefaultAnnouncementTTL is the lifetime assumed for an announcement that
// declares no TTL of its own (TTLSeconds <= 0), e.g. one synthesized locally
// rather than received signed over the wire.
const DefaultAnnouncementTTL = 10 * time.Minute

// PeerAnnouncement is the verified, domain-level form of a wire
// SignedAnnouncement: identity plus the reachability paths observed for it.
type PeerAnnouncement struct {
	PeerID       identity.PeerID    `json:"peerId"`
	PublicKey    [32]byte           `json:"publicKey"`
	Capabilities []string           `json:"capabilities"`
	CreatedAt    time.Time          `json:"createdAt"`
	TTLSeconds   int64              `json:"ttlSeconds"`
	Paths        []ReachabilityPath `json:"paths"`
}

// IsExpired reports whether now is past CreatedAt+TTLSeconds. A non-positive
// TTLSeconds falls back to DefaultAnnouncementTTL.
func (pa PeerAnnouncement) IsExpired(now time.Time) bool {
	ttl := time.Duration(pa.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultAnnouncementTTL
	}
	return now.After(pa.CreatedAt.Add(ttl))
}

// FromSignedAnnouncement converts a verified wire announcement into a
// PeerAnnouncement, deriving a single direct ReachabilityPath per endpoint.
func FromSignedAnnouncement(sa *wire.SignedAnnouncement) PeerAnnouncement {
	paths := make([]ReachabilityPath, 0, len(sa.Endpoints))
	for _, ep := range sa.Endpoints {
		paths = append(paths, DirectPath(ep))
	}
	return PeerAnnouncement{
		PeerID:       identity.PeerID(sa.PeerID),
		PublicKey:    sa.PublicKey,
		Capabilities: sa.Capabilities,
		CreatedAt:    time.UnixMilli(sa.CreatedAtMs).UTC(),
		TTLSeconds:   sa.TTLSeconds,
		Paths:        paths,
	}
}

// StoredPeer is one entry in a PeerCache or PeerStore: the latest known
// announcement plus bookkeeping used for eviction and reliability-aware
// path selection.
type StoredPeer struct {
	Announcement    PeerAnnouncement `json:"announcement"`
	DiscoveryMethod string           `json:"discoveryMethod"`
	Reliability     Reliability      `json:"reliability"`
	LastUpdatedAt   time.Time        `json:"lastUpdatedAt"`
}

// IsStale reports whether the entry has not been refreshed within maxAge.
func (sp *StoredPeer) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(sp.LastUpdatedAt) > maxAge
}
