// Package health implements the liveness/status request-response service
// exposed on the well-known health channel.
package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omerta-mesh/core/pkg/channel"
	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// Status summarizes a node's self-reported health.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Request is an empty health probe; its presence on the channel is the
// whole request.
type Request struct{}

// Response is a node's self-reported health snapshot.
type Response struct {
	Status        Status  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	PeerCount     int     `json:"peerCount"`
}

// Metrics is what the caller supplies to derive a Response; kept separate
// from Response so status derivation logic lives in one place regardless of
// where the numbers come from.
type Metrics struct {
	StartedAt      time.Time
	PeerCount      int
	MinHealthyPeers int
}

// DeriveStatus classifies a node's health from its metrics: Healthy once it
// has at least MinHealthyPeers live peers, Degraded with at least one but
// fewer than that, Unreachable with none.
func DeriveStatus(m Metrics) Status {
	switch {
	case m.PeerCount >= m.MinHealthyPeers && m.MinHealthyPeers > 0:
		return StatusHealthy
	case m.PeerCount > 0:
		return StatusDegraded
	default:
		return StatusUnreachable
	}
}

// Service answers health requests arriving on wire.ChannelHealth.
type Service struct {
	metricsFn func() Metrics
	responder *channel.Responder
}

// NewService registers a health responder on provider, computing each
// response from metricsFn at request time.
func NewService(provider channel.Provider, metricsFn func() Metrics) *Service {
	s := &Service{metricsFn: metricsFn}
	s.responder = channel.NewResponder(provider, wire.ChannelHealth, func(from identity.PeerID, body []byte) ([]byte, error) {
		m := metricsFn()
		resp := Response{
			Status:        DeriveStatus(m),
			UptimeSeconds: time.Since(m.StartedAt).Seconds(),
			PeerCount:     m.PeerCount,
		}
		return json.Marshal(resp)
	})
	return s
}

// Close unregisters the health responder.
func (s *Service) Close() { s.responder.Close() }

// Query asks a peer for its health status via client.
func Query(ctx context.Context, client *channel.RequestClient, peer identity.PeerID) (Response, error) {
	reqBody, err := json.Marshal(Request{})
	if err != nil {
		return Response{}, err
	}
	respBody, err := client.Request(ctx, peer, reqBody)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
