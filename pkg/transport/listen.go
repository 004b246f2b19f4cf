package transport

import (
	"context"
	"net"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/pathfail"
	"github.com/omerta-mesh/core/pkg/peerstore"
	"github.com/omerta-mesh/core/pkg/wire"
)

const maxPacketSize = 65536

func (t *Transport) listenLoop(ctx context.Context) {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remoteAddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.logger.Warn("transport: read error", "err", err)
			continue
		}

		if !t.limiter.Allow(remoteAddr.IP.String()) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go t.handlePacket(ctx, data, remoteAddr)
	}
}

func (t *Transport) handlePacket(ctx context.Context, data []byte, remoteAddr *net.UDPAddr) {
	header, payload, err := wire.Open([]wire.NetworkKeys{t.networkKeys}, data, time.Now(), t.replayGuard)
	if err != nil {
		return
	}

	if header.HasRecipient && header.ToPeerID != "" && header.ToPeerID != string(t.selfID) {
		t.relay(identity.PeerID(header.ToPeerID), data)
		t.coordinateHolePunch(identity.PeerID(header.FromPeerID), identity.PeerID(header.ToPeerID), remoteAddr)
		return
	}

	if !wire.VerifyHeaderSignature(header) {
		t.logger.Warn("transport: dropped packet with bad header signature", "from", header.FromPeerID)
		return
	}
	if identity.DerivePeerID(header.PublicKey[:]) != identity.PeerID(header.FromPeerID) {
		t.logger.Warn("transport: dropped packet with peer id not matching embedded key", "from", header.FromPeerID)
		return
	}

	msg, err := wire.UnmarshalMessage(payload)
	if err != nil {
		t.logger.Warn("transport: dropped packet with unparsable payload", "from", header.FromPeerID, "err", err)
		return
	}

	from := identity.PeerID(header.FromPeerID)

	switch msg.Type {
	case wire.MessageTypePing:
		t.handlePing(from, msg.Ping, remoteAddr)
	case wire.MessageTypePong:
		t.handlePong(from, msg.Pong)
	case wire.MessageTypeChannelData:
		t.handleChannelData(from, header.ChannelString, msg.ChannelData)
	case wire.MessageTypeFindPeer:
		t.handleFindPeer(from, msg.FindPeer, remoteAddr)
	case wire.MessageTypePeerInfo:
		t.handlePeerInfo(msg.PeerInfo)
	case wire.MessageTypePeerList:
		t.handlePeerList(msg.PeerList)
	case wire.MessageTypePathFailed:
		t.handlePathFailed(ctx, from, msg.PathFailed)
	case wire.MessageTypeHolePunch:
		t.handleHolePunch(ctx, msg.HolePunch)
	default:
		t.logger.Warn("transport: unknown message type", "type", msg.Type)
	}
}

// relay forwards an opaque, still-encrypted packet verbatim toward its
// recipient. Forwarding the raw bytes rather than re-sealing them keeps the
// original sender's header signature intact end to end; a relay never needs
// to (and cannot, without the sender's key) produce its own valid
// signature over someone else's header.
func (t *Transport) relay(to identity.PeerID, data []byte) {
	endpoint, ok := t.resolveEndpoint(to)
	if !ok {
		return
	}
	if err := t.sendTo(endpoint, data); err != nil {
		t.logger.Warn("transport: relay forward failed", "to", to, "err", err)
	}
}

func (t *Transport) handlePing(from identity.PeerID, ping *wire.PingPayload, remoteAddr *net.UDPAddr) {
	if ping == nil {
		return
	}
	header, err := t.buildHeader(from, wire.ChannelPong)
	if err != nil {
		return
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypePong, Pong: &wire.PongPayload{
		Nonce:            ping.Nonce,
		ObservedEndpoint: remoteAddr.String(),
	}}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return
	}
	_, _ = t.conn.WriteToUDP(packet, remoteAddr)
}

func (t *Transport) handlePong(from identity.PeerID, pong *wire.PongPayload) {
	if pong == nil {
		return
	}
	t.mu.Lock()
	wait, ok := t.pendingPings[pong.Nonce]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- pongResult{peer: from, payload: *pong}:
	default:
	}
}

func (t *Transport) handleChannelData(from identity.PeerID, channelName string, payload *wire.ChannelDataPayload) {
	if payload == nil || t.dispatcher == nil {
		return
	}
	t.dispatcher.Dispatch(from, channelName, payload.Data)
}

func (t *Transport) handleFindPeer(from identity.PeerID, req *wire.FindPeerPayload, remoteAddr *net.UDPAddr) {
	if req == nil {
		return
	}
	t.mu.Lock()
	cached, ok := t.announceCache[identity.PeerID(req.TargetPeerID)]
	t.mu.Unlock()

	header, err := t.buildHeader(from, wire.ChannelPeerInfo)
	if err != nil {
		return
	}
	resp := &wire.PeerInfoPayload{TargetPeerID: req.TargetPeerID}
	if ok {
		annCopy := cached
		resp.Announcement = &annCopy
	}
	msg := &wire.MeshMessage{Type: wire.MessageTypePeerInfo, PeerInfo: resp}
	packet, err := t.sealMessage(header, msg)
	if err != nil {
		return
	}
	_, _ = t.conn.WriteToUDP(packet, remoteAddr)
}

func (t *Transport) handlePeerInfo(resp *wire.PeerInfoPayload) {
	if resp == nil {
		return
	}
	t.mu.Lock()
	wait, ok := t.pendingFinds[resp.TargetPeerID]
	t.mu.Unlock()

	if resp.Announcement != nil && wire.VerifyAnnouncement(resp.Announcement) {
		t.cacheAnnouncement(*resp.Announcement)
	}
	if !ok {
		return
	}
	select {
	case wait <- resp.Announcement:
	default:
	}
}

func (t *Transport) handlePeerList(list *wire.PeerListPayload) {
	if list == nil {
		return
	}
	for _, ann := range list.Peers {
		if !wire.VerifyAnnouncement(&ann) {
			continue
		}
		t.cacheAnnouncement(ann)
	}
}

func (t *Transport) cacheAnnouncement(ann wire.SignedAnnouncement) {
	t.mu.Lock()
	t.announceCache[identity.PeerID(ann.PeerID)] = ann
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	converted := peerstore.FromSignedAnnouncement(&ann)
	_ = t.store.Update(time.Now(), converted, "peer-list")
}

func (t *Transport) handlePathFailed(ctx context.Context, from identity.PeerID, payload *wire.PathFailedPayload) {
	if payload == nil || t.pathFailInbound == nil {
		return
	}
	report := pathfail.Report{
		OriginPeerID:      string(from),
		UnreachablePeerID: payload.UnreachablePeerID,
		PathDescription:   payload.PathDescription,
		TimestampMs:       payload.ObservedAtMs,
	}
	if err := t.pathFailInbound(ctx, report); err != nil {
		t.logger.Warn("transport: path-failure handling error", "err", err)
	}
}

func (t *Transport) handleHolePunch(ctx context.Context, payload *wire.HolePunchPayload) {
	if payload == nil || identity.PeerID(payload.TargetPeerID) != t.selfID {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if _, err := t.Ping(pingCtx, payload.TryEndpoint); err != nil {
		t.logger.Debug("transport: hole-punch probe failed", "endpoint", payload.TryEndpoint, "err", err)
	}
}
