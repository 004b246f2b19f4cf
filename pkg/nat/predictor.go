// Package nat predicts a node's own NAT behavior purely from what other
// peers report observing, plus an optional locally-learned bind endpoint.
package nat

import (
	"sync"

	"github.com/omerta-mesh/core/pkg/identity"
)

// Type is the predicted category of NAT a node sits behind.
type Type string

const (
	// Public means no translation is occurring: peers see the node at its
	// own local bind endpoint.
	Public Type = "public"
	// PortRestrictedCone means peers consistently observe the same mapped
	// endpoint regardless of which peer is looking. The specification
	// deliberately does not distinguish full-cone from port-restricted-cone
	// behavior here, since doing so would require probing from multiple
	// distinct peer source ports, which the mesh has no reason to
	// orchestrate; both are reported as PortRestrictedCone.
	PortRestrictedCone Type = "port-restricted-cone"
	// Symmetric means different peers observe different mapped endpoints,
	// implying a new mapping per destination.
	Symmetric Type = "symmetric"
	// Unknown means not enough observations have accumulated to predict.
	Unknown Type = "unknown"
)

// MinObservationsForSymmetric is how many distinct peer observations are
// required before a single differing endpoint is trusted as evidence of
// symmetric NAT, rather than a stale or mid-renewal mapping.
const MinObservationsForSymmetric = 2

// Predictor accumulates peer-reported observed endpoints and predicts this
// node's own NAT type from them. It holds no network state of its own; the
// ping/pong exchange that feeds it observations lives in the transport
// dispatch loop.
type Predictor struct {
	mu            sync.Mutex
	localEndpoint string
	observed      map[identity.PeerID]string // peerID -> endpoint that peer reported seeing
}

// NewPredictor creates an empty predictor. localEndpoint is optional (may be
// empty) and is typically learned via the STUN-assisted discovery helper in
// this package or from the node's own UDP socket bind address.
func NewPredictor(localEndpoint string) *Predictor {
	return &Predictor{
		localEndpoint: localEndpoint,
		observed:      make(map[identity.PeerID]string),
	}
}

// SetLocalEndpoint updates the locally-known bind endpoint used as the
// baseline for detecting Public NAT status.
func (p *Predictor) SetLocalEndpoint(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localEndpoint = endpoint
}

// Observe records what a specific peer reported seeing as this node's
// source endpoint (typically from a Pong's ObservedEndpoint field).
func (p *Predictor) Observe(peer identity.PeerID, observedEndpoint string) {
	if observedEndpoint == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed[peer] = observedEndpoint
}

// Predict returns the current best guess at this node's NAT type. Below
// MinObservationsForSymmetric valid observations, the result is always
// Unknown regardless of what those few observations look like.
func (p *Predictor) Predict() Type {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.observed) < MinObservationsForSymmetric {
		return Unknown
	}

	distinct := make(map[string]int)
	for _, ep := range p.observed {
		distinct[ep]++
	}

	if len(distinct) > 1 {
		return Symmetric
	}

	var onlyEndpoint string
	for ep := range distinct {
		onlyEndpoint = ep
	}

	if p.localEndpoint != "" && onlyEndpoint == p.localEndpoint {
		return Public
	}

	return PortRestrictedCone
}

// ObservationCount returns how many distinct peers have reported an
// observation so far.
func (p *Predictor) ObservationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observed)
}

// Reset discards all accumulated observations, e.g. after the local
// endpoint changes (new network interface, restarted socket).
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed = make(map[identity.PeerID]string)
}
