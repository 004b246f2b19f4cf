// Package transport is the UDP adapter that turns wire envelopes into
// channel.Sender, bootstrap.Pinger, bootstrap.PeerLookup, and
// pathfail.Transport calls, and turns inbound UDP datagrams back into
// those same abstractions' inbound callbacks. It owns exactly one UDP
// socket per network the node has joined.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/nat"
	"github.com/omerta-mesh/core/pkg/pathfail"
	"github.com/omerta-mesh/core/pkg/peerstore"
	"github.com/omerta-mesh/core/pkg/ratelimit"
	"github.com/omerta-mesh/core/pkg/wire"
)

// Dispatcher is the subset of channel.Multiplexer that Transport needs to
// hand inbound channel data to.
type Dispatcher interface {
	Dispatch(from identity.PeerID, channelName string, data []byte)
}

// DefaultPingTimeout bounds how long Ping waits for a Pong.
const DefaultPingTimeout = 5 * time.Second

// DefaultFindPeerTimeout bounds how long FindPeer waits for a PeerInfo reply.
const DefaultFindPeerTimeout = 5 * time.Second

// Config configures a Transport's UDP listener and rate limiting.
type Config struct {
	ListenPort int
	RateLimit  float64
	RateBurst  float64
}

// Transport is a single UDP socket bound to one network's envelope
// encryption keys, used by all of that network's peers to exchange
// envelopes directly, via relay, or via hole-punch coordination.
type Transport struct {
	selfID      identity.PeerID
	keypair     identity.Keypair
	machineID   string
	networkKeys wire.NetworkKeys

	conn    *net.UDPConn
	limiter *ratelimit.IPRateLimiter
	store   *peerstore.Store
	logger  *slog.Logger

	dispatcher     Dispatcher
	pathFailInbound func(ctx context.Context, report pathfail.Report) error
	predictor      *nat.Predictor

	replayGuard *wire.ReplayGuard

	mu            sync.Mutex
	pendingPings  map[[8]byte]chan pongResult
	pendingFinds  map[string]chan *wire.SignedAnnouncement
	announceCache map[identity.PeerID]wire.SignedAnnouncement

	stopCh chan struct{}
}

// pongResult pairs a Pong's payload with the peer id taken from its
// envelope header, since PongPayload itself carries no sender identity.
type pongResult struct {
	peer    identity.PeerID
	payload wire.PongPayload
}

// New binds a UDP socket on cfg.ListenPort (0 picks an ephemeral port) and
// returns a Transport ready to Start.
func New(cfg Config, selfID identity.PeerID, keypair identity.Keypair, machineID string, networkKeys wire.NetworkKeys, store *peerstore.Store, predictor *nat.Predictor, logger *slog.Logger) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rate, burst := cfg.RateLimit, cfg.RateBurst
	if rate <= 0 {
		rate = ratelimit.DefaultRate
	}
	if burst <= 0 {
		burst = ratelimit.DefaultBurst
	}
	return &Transport{
		selfID:        selfID,
		keypair:       keypair,
		machineID:     machineID,
		networkKeys:   networkKeys,
		conn:          conn,
		limiter:       ratelimit.New(rate, burst, ratelimit.DefaultMaxIPs),
		store:         store,
		predictor:     predictor,
		logger:        logger,
		replayGuard:   wire.NewReplayGuard(),
		pendingPings:  make(map[[8]byte]chan pongResult),
		pendingFinds:  make(map[string]chan *wire.SignedAnnouncement),
		announceCache: make(map[identity.PeerID]wire.SignedAnnouncement),
		stopCh:        make(chan struct{}),
	}, nil
}

// SetDispatcher wires the channel multiplexer that receives inbound
// ChannelData messages.
func (t *Transport) SetDispatcher(d Dispatcher) { t.dispatcher = d }

// SetPathFailHandler wires the path-failure reporter's inbound handler.
func (t *Transport) SetPathFailHandler(fn func(ctx context.Context, report pathfail.Report) error) {
	t.pathFailInbound = fn
}

// ForgetReplayed prunes the replay guard's seen-message-id entries older than
// the replay window, bounding its growth.
func (t *Transport) ForgetReplayed(now time.Time) int {
	return t.replayGuard.Forget(now)
}

// LocalPort returns the UDP port this Transport is bound to.
func (t *Transport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the receive loop. It returns once ctx is canceled or Close
// is called.
func (t *Transport) Start(ctx context.Context) {
	go t.listenLoop(ctx)
}

// Close shuts down the UDP socket, unblocking the receive loop.
func (t *Transport) Close() error {
	close(t.stopCh)
	return t.conn.Close()
}

// resolveEndpoint finds a physical "ip:port" to send toward peer: a direct
// path if one is known, or one hop through a relay peer's direct path
// otherwise. It never chases relay chains longer than one hop — a relay
// that has only another relay's path for the target cannot help, and
// further hops are the relay's responsibility at forward time, not the
// sender's.
func (t *Transport) resolveEndpoint(peer identity.PeerID) (string, bool) {
	if endpoint, ok := t.directPath(peer); ok {
		return endpoint, true
	}
	stored, ok := t.store.Get(peer)
	if !ok {
		return "", false
	}
	var relay identity.PeerID
	for _, path := range stored.Announcement.Paths {
		if path.Kind == peerstore.ReachabilityRelay {
			relay = path.RelayPeerID
			break
		}
	}
	if relay == "" {
		return "", false
	}
	return t.directPath(relay)
}

func (t *Transport) buildHeader(to identity.PeerID, channelName string) (*wire.EnvelopeHeader, error) {
	var msgID [16]byte
	if _, err := rand.Read(msgID[:]); err != nil {
		return nil, err
	}
	var pub [32]byte
	copy(pub[:], t.keypair.Public)

	h := &wire.EnvelopeHeader{
		NetworkHash:   t.networkKeys.NetworkHash,
		HasRecipient:  to != "",
		FromPeerID:    string(t.selfID),
		ToPeerID:      string(to),
		ChannelHash:   wire.ChannelHash(channelName),
		ChannelString: channelName,
		TimestampMs:   time.Now().UnixMilli(),
		MessageID:     msgID,
		MachineID:     t.machineID,
		PublicKey:     pub,
	}
	if err := wire.SignHeader(h, t.keypair.Private); err != nil {
		return nil, fmt.Errorf("transport: sign header: %w", err)
	}
	return h, nil
}

func (t *Transport) sealMessage(header *wire.EnvelopeHeader, msg *wire.MeshMessage) ([]byte, error) {
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return wire.Seal(t.networkKeys, header, payload)
}

func (t *Transport) sendTo(endpoint string, packet []byte) error {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", endpoint, err)
	}
	_, err = t.conn.WriteToUDP(packet, addr)
	return err
}

// SendChannelData implements channel.Sender.
func (t *Transport) SendChannelData(ctx context.Context, peer identity.PeerID, channelName string, data []byte) error {
	endpoint, ok := t.resolveEndpoint(peer)
	if !ok {
		return fmt.Errorf("transport: no known path to %s", peer)
	}
	header, err := t.buildHeader(peer, channelName)
	if err != nil {
		return err
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypeChannelData, ChannelData: &wire.ChannelDataPayload{Data: data}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return err
	}
	return t.sendTo(endpoint, packet)
}

// Ping implements bootstrap.Pinger: it sends a liveness probe directly to
// endpoint (bypassing peer-store path resolution, since the point of a
// bootstrap ping is to learn a peer id for an endpoint we have no stored
// path for yet) and waits for the matching Pong.
func (t *Transport) Ping(ctx context.Context, endpoint string) (identity.PeerID, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	wait := make(chan pongResult, 1)
	t.mu.Lock()
	t.pendingPings[nonce] = wait
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pendingPings, nonce)
		t.mu.Unlock()
	}()

	header, err := t.buildHeader("", wire.ChannelPing)
	if err != nil {
		return "", err
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypePing, Ping: &wire.PingPayload{Nonce: nonce}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return "", err
	}
	if err := t.sendTo(endpoint, packet); err != nil {
		return "", err
	}

	timeout := DefaultPingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-wait:
		if t.predictor != nil && result.payload.ObservedEndpoint != "" {
			t.predictor.Observe(result.peer, result.payload.ObservedEndpoint)
		}
		return result.peer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("transport: ping to %s timed out", endpoint)
	}
}

// FindPeer implements bootstrap.PeerLookup: it asks via for whatever
// announcement it has cached for target.
func (t *Transport) FindPeer(ctx context.Context, via identity.PeerID, target identity.PeerID) (*wire.SignedAnnouncement, error) {
	wait := make(chan *wire.SignedAnnouncement, 1)
	t.mu.Lock()
	t.pendingFinds[string(target)] = wait
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pendingFinds, string(target))
		t.mu.Unlock()
	}()

	endpoint, ok := t.resolveEndpoint(via)
	if !ok {
		return nil, fmt.Errorf("transport: no known path to directory peer %s", via)
	}
	header, err := t.buildHeader(via, wire.ChannelFindPeer)
	if err != nil {
		return nil, err
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypeFindPeer, FindPeer: &wire.FindPeerPayload{TargetPeerID: string(target)}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return nil, err
	}
	if err := t.sendTo(endpoint, packet); err != nil {
		return nil, err
	}

	timeout := DefaultFindPeerTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ann := <-wait:
		if ann == nil {
			return nil, fmt.Errorf("transport: %s has no announcement for %s", via, target)
		}
		return ann, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("transport: find-peer via %s timed out", via)
	}
}

// KnownAnnouncements returns every verified peer announcement this
// Transport has cached, snapshotted under lock.
func (t *Transport) KnownAnnouncements() []wire.SignedAnnouncement {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.SignedAnnouncement, 0, len(t.announceCache))
	for _, ann := range t.announceCache {
		out = append(out, ann)
	}
	return out
}

// coordinateHolePunch opportunistically tells to try reaching from
// directly, using from's actual UDP source address — learned for free
// while relaying a packet between two peers that apparently lack a direct
// path to each other. Grounded on `pkg/discovery/exchange.go`'s
// rendezvous-offer/rendezvous-start coordination, reduced to the single
// suggestion `wire.HolePunchPayload` already carries; only fires when this
// relay has a direct path to `to` to deliver the hint over.
func (t *Transport) coordinateHolePunch(from, to identity.PeerID, fromAddr *net.UDPAddr) {
	if fromAddr == nil {
		return
	}
	toEndpoint, ok := t.directPath(to)
	if !ok {
		return
	}
	header, err := t.buildHeader(to, wire.ChannelHolePunch)
	if err != nil {
		return
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypeHolePunch, HolePunch: &wire.HolePunchPayload{
		TargetPeerID: string(to),
		TryEndpoint:  fromAddr.String(),
	}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return
	}
	_ = t.sendTo(toEndpoint, packet)
}

// directPath returns peer's currently known direct (non-relayed) endpoint.
func (t *Transport) directPath(peer identity.PeerID) (string, bool) {
	stored, ok := t.store.Get(peer)
	if !ok {
		return "", false
	}
	for _, path := range stored.Announcement.Paths {
		if path.Kind == peerstore.ReachabilityDirect {
			return path.Endpoint, true
		}
	}
	return "", false
}

// SendPeerList gossips peers to the named recipient. Grounded on wgmesh's
// in-mesh gossip loop (`pkg/discovery/gossip.go`'s MeshGossip), replayed
// over the envelope transport instead of a dedicated gossip socket: one
// MeshMessage on the existing mesh-peer-list channel rather than a second
// listener and its own rate limiter.
func (t *Transport) SendPeerList(ctx context.Context, to identity.PeerID, peers []wire.SignedAnnouncement) error {
	endpoint, ok := t.resolveEndpoint(to)
	if !ok {
		return fmt.Errorf("transport: no known path to %s", to)
	}
	header, err := t.buildHeader(to, wire.ChannelPeerList)
	if err != nil {
		return err
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypePeerList, PeerList: &wire.PeerListPayload{Peers: peers}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return err
	}
	return t.sendTo(endpoint, packet)
}

// SendReportToPeer implements pathfail.Transport.
func (t *Transport) SendReportToPeer(ctx context.Context, peer identity.PeerID, report pathfail.Report) error {
	endpoint, ok := t.resolveEndpoint(peer)
	if !ok {
		return fmt.Errorf("transport: no known path to %s", peer)
	}
	header, err := t.buildHeader(peer, wire.ChannelPathFailed)
	if err != nil {
		return err
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypePathFailed, PathFailed: &wire.PathFailedPayload{
		UnreachablePeerID: report.UnreachablePeerID,
		PathDescription:   report.PathDescription,
		ObservedAtMs:      report.TimestampMs,
	}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return err
	}
	return t.sendTo(endpoint, packet)
}

// BroadcastReport implements pathfail.Transport's fluff phase: it sends the
// report directly to every peer with a known direct path.
func (t *Transport) BroadcastReport(ctx context.Context, report pathfail.Report) error {
	var firstErr error
	for _, ann := range t.store.AllPeers() {
		for _, path := range ann.Announcement.Paths {
			if path.Kind != peerstore.ReachabilityDirect {
				continue
			}
			if err := t.SendReportToPeer(ctx, ann.Announcement.PeerID, report); err != nil && firstErr == nil {
				firstErr = err
			}
			break
		}
	}
	return firstErr
}
