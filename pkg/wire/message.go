package wire

import (
	"encoding/json"
	"time"
)

// MeshMessage is the tagged union carried as an envelope's decrypted
// payload. Exactly one of the typed fields is populated, selected by Type.
// JSON rather than a binary format is used for the payload because, unlike
// the header, its layout is not required to be bit-exact and payloads vary
// widely in shape; this mirrors how wgmesh encodes PeerAnnouncement.
type MeshMessage struct {
	Type MessageType `json:"type"`

	Ping       *PingPayload       `json:"ping,omitempty"`
	Pong       *PongPayload       `json:"pong,omitempty"`
	PeerList   *PeerListPayload   `json:"peerList,omitempty"`
	FindPeer   *FindPeerPayload   `json:"findPeer,omitempty"`
	PeerInfo   *PeerInfoPayload   `json:"peerInfo,omitempty"`
	ChannelData *ChannelDataPayload `json:"channelData,omitempty"`
	PathFailed *PathFailedPayload `json:"pathFailed,omitempty"`
	HolePunch  *HolePunchPayload  `json:"holePunch,omitempty"`
}

// MessageType discriminates the MeshMessage union.
type MessageType string

const (
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypePeerList    MessageType = "peerList"
	MessageTypeFindPeer    MessageType = "findPeer"
	MessageTypePeerInfo    MessageType = "peerInfo"
	MessageTypeChannelData MessageType = "channelData"
	MessageTypePathFailed  MessageType = "pathFailed"
	MessageTypeHolePunch   MessageType = "holePunch"
)

// PingPayload carries a liveness probe; Nonce lets the sender match a Pong
// to the Ping that triggered it without relying on envelope message ids.
type PingPayload struct {
	Nonce [8]byte `json:"nonce"`
}

// PongPayload is a Ping response, echoing the nonce and reporting the
// responder's view of the requester's apparent endpoint (used as STUN-like
// NAT observation input).
type PongPayload struct {
	Nonce            [8]byte `json:"nonce"`
	ObservedEndpoint string  `json:"observedEndpoint"`
}

// PeerListPayload is an unsolicited or requested gossip of known peers.
type PeerListPayload struct {
	Peers []SignedAnnouncement `json:"peers"`
}

// FindPeerPayload asks a directory-capable peer whether it knows how to
// reach the named peer id.
type FindPeerPayload struct {
	TargetPeerID string `json:"targetPeerId"`
}

// PeerInfoPayload answers a FindPeer with whatever announcement is known.
type PeerInfoPayload struct {
	TargetPeerID string                `json:"targetPeerId"`
	Announcement *SignedAnnouncement   `json:"announcement,omitempty"`
}

// ChannelDataPayload carries an application channel's opaque bytes.
type ChannelDataPayload struct {
	Data []byte `json:"data"`
}

// PathFailedPayload reports that the sender could not reach a peer over a
// specific path, for hop-limited stem/fluff propagation.
type PathFailedPayload struct {
	UnreachablePeerID string `json:"unreachablePeerId"`
	PathDescription   string `json:"pathDescription"`
	ObservedAtMs      int64  `json:"observedAtMs"`
}

// HolePunchPayload coordinates simultaneous-open NAT traversal between two
// peers via a common rendezvous point.
type HolePunchPayload struct {
	TargetPeerID string `json:"targetPeerId"`
	TryEndpoint  string `json:"tryEndpoint"`
}

// SignedAnnouncement is the wire representation of a peer announcement: the
// canonical fields plus a detached Ed25519 signature that lets the
// announcement be stored, forwarded, and re-verified independently of the
// envelope that originally carried it.
type SignedAnnouncement struct {
	PeerID       string   `json:"peerId"`
	PublicKey    [32]byte `json:"publicKey"`
	Endpoints    []string `json:"endpoints"`
	Capabilities []string `json:"capabilities"`
	CreatedAtMs  int64    `json:"createdAtMs"`
	TTLSeconds   int64    `json:"ttlSeconds"`
	Signature    [64]byte `json:"signature"`
}

// IsExpired reports whether now is past the announcement's declared
// timestamp plus its TTL. A non-positive TTLSeconds falls back to
// DefaultAnnouncementTTLSeconds.
func (a *SignedAnnouncement) IsExpired(now time.Time) bool {
	ttlSeconds := a.TTLSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultAnnouncementTTLSeconds
	}
	expiresAt := time.UnixMilli(a.CreatedAtMs).Add(time.Duration(ttlSeconds) * time.Second)
	return now.After(expiresAt)
}

// DefaultAnnouncementTTLSeconds is the lifetime assumed for an announcement
// that declares no TTL of its own.
const DefaultAnnouncementTTLSeconds = 600

// CanonicalBytes returns the deterministic byte sequence that is signed and
// verified: every field except Signature, JSON-encoded with sorted map keys
// (none here, but encoding/json already sorts struct fields by declaration
// order deterministically).
func (a *SignedAnnouncement) CanonicalBytes() ([]byte, error) {
	cp := *a
	cp.Signature = [64]byte{}
	return json.Marshal(cp)
}

// Marshal encodes a MeshMessage for use as an envelope payload.
func (m *MeshMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes an envelope payload into a MeshMessage.
func UnmarshalMessage(data []byte) (*MeshMessage, error) {
	var m MeshMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
