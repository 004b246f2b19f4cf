package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Packet framing constants. The prefix lets the transport's dispatch loop
// reject anything that is not one of ours in O(1) before it touches the
// crypto path.
var packetPrefix = [5]byte{'O', 'M', 'R', 'T', 0x02}

const (
	nonceSize = 12
	tagSize   = 16

	// MinPacketSize is the smallest legal envelope: prefix + nonce + header
	// tag + header length + the no-recipient header + payload length +
	// payload tag, with a zero-length payload.
	MinPacketSize = len(packetPrefix) + nonceSize + tagSize + 2 + HeaderSizeNoRecipient + 4 + tagSize

	hkdfHeaderKeyInfo = "omerta-header-v2"

	// ReplayWindowPast and ReplayWindowFuture bound how far a header
	// timestamp may drift from the receiver's clock before it is rejected
	// as a replay or a clock-skewed sender.
	ReplayWindowPast   = 2 * time.Minute
	ReplayWindowFuture = 30 * time.Second
)

// NetworkKeys holds the per-network material needed to seal and open
// envelopes. HeaderKey is derived from the raw network key via HKDF so that
// header and payload encryption never share a key; PayloadKey is the raw
// network key used directly.
type NetworkKeys struct {
	NetworkHash [8]byte
	HeaderKey   [32]byte
	PayloadKey  [32]byte
}

// DeriveNetworkKeys computes the header/payload key material for a raw
// 32-byte network key and its precomputed 8-byte network hash.
func DeriveNetworkKeys(networkKey [32]byte, networkHash [8]byte) (NetworkKeys, error) {
	nk := NetworkKeys{NetworkHash: networkHash, PayloadKey: networkKey}
	r := hkdf.New(newSHA256, networkKey[:], nil, []byte(hkdfHeaderKeyInfo))
	if _, err := io.ReadFull(r, nk.HeaderKey[:]); err != nil {
		return NetworkKeys{}, fmt.Errorf("derive header key: %w", err)
	}
	return nk, nil
}

// Seal encodes and encrypts header and payload into a wire-format packet.
func Seal(keys NetworkKeys, header *EnvelopeHeader, payload []byte) ([]byte, error) {
	header.NetworkHash = keys.NetworkHash

	headerBytes, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	headerAEAD, err := chacha20poly1305.New(keys.HeaderKey[:])
	if err != nil {
		return nil, fmt.Errorf("init header cipher: %w", err)
	}
	payloadAEAD, err := chacha20poly1305.New(keys.PayloadKey[:])
	if err != nil {
		return nil, fmt.Errorf("init payload cipher: %w", err)
	}

	sealedHeader := headerAEAD.Seal(nil, nonce[:], headerBytes, packetPrefix[:])
	headerCiphertext, headerTag := sealedHeader[:len(sealedHeader)-tagSize], sealedHeader[len(sealedHeader)-tagSize:]

	payloadNonce := xorLastByte(nonce)
	sealedPayload := payloadAEAD.Seal(nil, payloadNonce[:], payload, headerCiphertext)
	payloadCiphertext, payloadTag := sealedPayload[:len(sealedPayload)-tagSize], sealedPayload[len(sealedPayload)-tagSize:]

	out := make([]byte, 0, MinPacketSize+len(payload))
	out = append(out, packetPrefix[:]...)
	out = append(out, nonce[:]...)
	out = append(out, headerTag...)
	out = appendUint16(out, uint16(len(headerCiphertext)))
	out = append(out, headerCiphertext...)
	out = appendUint32(out, uint32(len(payloadCiphertext)))
	out = append(out, payloadCiphertext...)
	out = append(out, payloadTag...)

	return out, nil
}

// ReplayGuard remembers message ids seen outside the timestamp replay window
// so a header that is merely late or clock-skewed (novel message id) can be
// told apart from a genuine replay of a previously-seen packet (same message
// id resubmitted). Entries are bounded to the replay window; callers should
// periodically call Forget to bound the map's growth. Grounded on
// pathfail.Reporter's seen-map dedup, reused here for the same "dedupe keyed
// on content, expire by elapsed time" shape.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[[messageIDSize]byte]time.Time
}

// NewReplayGuard creates an empty ReplayGuard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[[messageIDSize]byte]time.Time)}
}

// horizon bounds how long an observed message id is remembered: the widest
// span an honestly-clocked but replay-suspect header could fall within.
func (g *ReplayGuard) horizon() time.Duration {
	return ReplayWindowPast + ReplayWindowFuture
}

// observe records id as seen at now and reports whether it had already been
// seen within the replay window.
func (g *ReplayGuard) observe(id [messageIDSize]byte, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[id]; ok && now.Sub(at) < g.horizon() {
		return true
	}
	g.seen[id] = now
	return false
}

// Forget drops entries older than the replay window, bounding the guard's
// growth, and returns how many were removed.
func (g *ReplayGuard) Forget(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, at := range g.seen {
		if now.Sub(at) >= g.horizon() {
			delete(g.seen, id)
			removed++
		}
	}
	return removed
}

// Open verifies a packet's prefix, tries each candidate network's keys until
// one authenticates the header, and returns the decoded header and payload.
// now is the clock against which the header timestamp's replay window is
// checked. guard, if non-nil, lets a header outside the timestamp window
// through when its message id has not been seen before (ordinary clock skew
// or network delay rather than an actual replay); a nil guard rejects every
// out-of-window header unconditionally.
func Open(candidates []NetworkKeys, data []byte, now time.Time, guard *ReplayGuard) (*EnvelopeHeader, []byte, error) {
	if len(data) < MinPacketSize {
		return nil, nil, ErrTruncatedPacket
	}
	if !hasPrefix(data) {
		return nil, nil, ErrBadPrefix
	}

	off := len(packetPrefix)
	var nonce [nonceSize]byte
	copy(nonce[:], data[off:off+nonceSize])
	off += nonceSize

	headerTag := data[off : off+tagSize]
	off += tagSize

	headerLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if off+headerLen > len(data) {
		return nil, nil, ErrTruncatedPacket
	}
	headerCiphertext := data[off : off+headerLen]
	off += headerLen

	if off+4 > len(data) {
		return nil, nil, ErrTruncatedPacket
	}
	payloadLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if off+payloadLen+tagSize > len(data) {
		return nil, nil, ErrTruncatedPacket
	}
	payloadCiphertext := data[off : off+payloadLen]
	off += payloadLen
	payloadTag := data[off : off+tagSize]

	sealedHeader := append(append([]byte{}, headerCiphertext...), headerTag...)

	var lastErr error = ErrUnknownNetwork
	for _, keys := range candidates {
		headerAEAD, err := chacha20poly1305.New(keys.HeaderKey[:])
		if err != nil {
			continue
		}
		headerPlain, err := headerAEAD.Open(nil, nonce[:], sealedHeader, packetPrefix[:])
		if err != nil {
			lastErr = ErrHeaderAuthFailed
			continue
		}

		header, err := UnmarshalHeader(headerPlain)
		if err != nil {
			return nil, nil, err
		}
		if header.NetworkHash != keys.NetworkHash {
			lastErr = ErrUnknownNetwork
			continue
		}

		if err := checkReplayWindow(header.TimestampMs, now); err != nil {
			if guard == nil || guard.observe(header.MessageID, now) {
				return nil, nil, err
			}
		}

		payloadAEAD, err := chacha20poly1305.New(keys.PayloadKey[:])
		if err != nil {
			return nil, nil, fmt.Errorf("init payload cipher: %w", err)
		}
		payloadNonce := xorLastByte(nonce)
		sealedPayload := append(append([]byte{}, payloadCiphertext...), payloadTag...)
		payload, err := payloadAEAD.Open(nil, payloadNonce[:], sealedPayload, headerCiphertext)
		if err != nil {
			return nil, nil, ErrPayloadAuthFailed
		}

		return header, payload, nil
	}

	return nil, nil, lastErr
}

func checkReplayWindow(headerMs int64, now time.Time) error {
	sent := time.UnixMilli(headerMs)
	if sent.Before(now.Add(-ReplayWindowPast)) {
		return ErrReplayed
	}
	if sent.After(now.Add(ReplayWindowFuture)) {
		return ErrReplayed
	}
	return nil
}

func hasPrefix(data []byte) bool {
	for i, b := range packetPrefix {
		if data[i] != b {
			return false
		}
	}
	return true
}

func xorLastByte(nonce [nonceSize]byte) [nonceSize]byte {
	out := nonce
	out[nonceSize-1] ^= 0x01
	return out
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
