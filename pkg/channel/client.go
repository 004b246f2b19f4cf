package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/core/pkg/identity"
)

// DefaultRequestTimeout bounds how long RequestClient.Request waits for a
// matching response before giving up.
const DefaultRequestTimeout = 15 * time.Second

// requestEnvelope/responseEnvelope wrap a channel's application payload with
// a correlation id so a single channel can multiplex independent concurrent
// request/response exchanges.
type requestEnvelope struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

type responseEnvelope struct {
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RequestClient layers a request/response pattern over a Provider channel:
// Request sends a tagged request and blocks until the matching tagged
// response arrives, times out, or ctx is canceled. Responder registers the
// other side of the exchange.
type RequestClient struct {
	provider    Provider
	channelName string

	mu      sync.Mutex
	pending map[string]chan responseEnvelope
}

// NewRequestClient wires a RequestClient to a specific channel on provider,
// subscribing immediately so responses are never missed.
func NewRequestClient(provider Provider, channelName string) *RequestClient {
	c := &RequestClient{
		provider:    provider,
		channelName: channelName,
		pending:     make(map[string]chan responseEnvelope),
	}
	provider.OnChannel(channelName, c.handleInbound)
	return c
}

func (c *RequestClient) handleInbound(from identity.PeerID, channelName string, data []byte) {
	var resp responseEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// Request sends body to peer on this client's channel and waits for a
// correlated response, or ctx's deadline / DefaultRequestTimeout, whichever
// comes first.
func (c *RequestClient) Request(ctx context.Context, peer identity.PeerID, body []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan responseEnvelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	env := requestEnvelope{ID: id, Body: body}
	encoded, err := json.Marshal(env)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("channel: encode request: %w", err)
	}

	if err := c.provider.SendOnChannel(ctx, peer, c.channelName, encoded); err != nil {
		cancel()
		return nil, err
	}

	timer := time.NewTimer(DefaultRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("channel: remote error: %s", resp.Error)
		}
		return resp.Body, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("channel: request %s timed out after %s", id, DefaultRequestTimeout)
	}
}

// Responder is the receiving side of a request/response exchange: it
// registers a handler that decodes inbound requestEnvelopes, invokes fn,
// and sends back a correlated responseEnvelope.
type Responder struct {
	provider    Provider
	channelName string
	unsubscribe func()
}

// NewResponder registers fn to answer every request arriving on
// channelName. fn's returned bytes become the response body; a returned
// error becomes the response's Error string.
func NewResponder(provider Provider, channelName string, fn func(from identity.PeerID, body []byte) ([]byte, error)) *Responder {
	r := &Responder{provider: provider, channelName: channelName}
	r.unsubscribe = provider.OnChannel(channelName, func(from identity.PeerID, _ string, data []byte) {
		var req requestEnvelope
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		resp := responseEnvelope{ID: req.ID}
		body, err := fn(from, req.Body)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Body = body
		}

		encoded, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_ = provider.SendOnChannel(context.Background(), from, channelName, encoded)
	})
	return r
}

// Close unregisters the responder's handler.
func (r *Responder) Close() {
	r.unsubscribe()
}
