// Package channel implements the application-facing channel multiplexer:
// named byte-stream channels layered over the mesh's envelope transport.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// Handler processes inbound data received on a channel from a peer.
type Handler func(from identity.PeerID, channel string, data []byte)

// Provider is the ABI application code is handed: identify yourself, send
// on a channel, and register/unregister handlers for inbound data.
type Provider interface {
	PeerID() identity.PeerID
	SendOnChannel(ctx context.Context, peer identity.PeerID, channelName string, data []byte) error
	OnChannel(channelName string, h Handler) (unsubscribe func())
	OffChannel(channelName string)
}

// Sender is the transport-side capability the multiplexer needs: get a
// channel-data message onto the wire toward a peer, using whatever path
// selection strategy the transport layer implements (the UDP transport uses
// the peer's known direct path, else one hop through a relay peer).
type Sender interface {
	SendChannelData(ctx context.Context, peer identity.PeerID, channelName string, data []byte) error
}

// ErrPeerUnreachable is returned when every path-selection strategy for a
// peer has been exhausted without success.
var ErrPeerUnreachable = errors.New("channel: peer unreachable")

// ErrChannelNameReserved is returned when application code tries to use a
// well-known infrastructure channel name.
var ErrChannelNameReserved = errors.New("channel: name collides with a well-known infrastructure channel")

var reservedChannels = map[string]struct{}{
	wire.ChannelPing:       {},
	wire.ChannelPong:       {},
	wire.ChannelPeerList:   {},
	wire.ChannelFindPeer:   {},
	wire.ChannelPeerInfo:   {},
	wire.ChannelPathFailed: {},
	wire.ChannelHolePunch:  {},
}

// ValidateChannelName rejects channel names that would collide with a
// well-known infrastructure channel after truncation to the header's fixed
// channel-name field width.
func ValidateChannelName(name string) error {
	truncated := name
	if len(truncated) > wire.MaxChannelNameBytes {
		truncated = truncated[:wire.MaxChannelNameBytes]
	}
	if _, reserved := reservedChannels[truncated]; reserved {
		return fmt.Errorf("%w: %q", ErrChannelNameReserved, name)
	}
	return nil
}

// Multiplexer is the actor-owned implementation of Provider: a single
// goroutine-safe handler table guarded by a mutex, with dispatch happening
// outside the lock so a handler that itself calls back into the multiplexer
// (e.g. to unsubscribe) cannot deadlock ("snapshot under lock, act outside
// lock").
type Multiplexer struct {
	selfID identity.PeerID
	sender Sender

	mu       sync.RWMutex
	handlers map[string][]*registration
	nextID   uint64
}

type registration struct {
	id uint64
	h  Handler
}

// New creates a multiplexer for a node identified by selfID, sending
// outbound channel data through sender.
func New(selfID identity.PeerID, sender Sender) *Multiplexer {
	return &Multiplexer{
		selfID:   selfID,
		sender:   sender,
		handlers: make(map[string][]*registration),
	}
}

// PeerID implements Provider.
func (m *Multiplexer) PeerID() identity.PeerID { return m.selfID }

// SendOnChannel implements Provider.
func (m *Multiplexer) SendOnChannel(ctx context.Context, peer identity.PeerID, channelName string, data []byte) error {
	if err := ValidateChannelName(channelName); err != nil {
		return err
	}
	return m.sender.SendChannelData(ctx, peer, channelName, data)
}

// OnChannel implements Provider. The returned function removes exactly this
// registration; it is safe to call more than once.
func (m *Multiplexer) OnChannel(channelName string, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[channelName] = append(m.handlers[channelName], &registration{id: id, h: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			regs := m.handlers[channelName]
			for i, r := range regs {
				if r.id == id {
					m.handlers[channelName] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

// OffChannel implements Provider, removing every handler registered for a
// channel name.
func (m *Multiplexer) OffChannel(channelName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channelName)
}

// Dispatch routes inbound channel data to every handler registered for its
// channel. Called by the transport dispatch loop when a ChannelData message
// arrives. Handlers run synchronously, in registration order; a handler
// that needs to avoid blocking the dispatch loop should spawn its own
// goroutine.
func (m *Multiplexer) Dispatch(from identity.PeerID, channelName string, data []byte) {
	m.mu.RLock()
	regs := make([]*registration, len(m.handlers[channelName]))
	copy(regs, m.handlers[channelName])
	m.mu.RUnlock()

	for _, r := range regs {
		r.h(from, channelName, data)
	}
}
