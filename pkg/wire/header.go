// Package wire implements the envelope wire format: the fixed-layout header,
// the layered header/payload encryption, and the channel-hash scheme used to
// multiplex services over a single UDP socket.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Field widths for the fixed-layout EnvelopeHeader. Offsets are normative:
// both sides of a connection must agree on this exact layout.
const (
	networkHashSize  = 8
	flagsSize        = 1
	peerIDFieldSize  = 44 // null-padded; PeerId itself is 16 hex chars
	channelHashSize  = 2
	channelNameSize  = 64
	hopCountSize     = 1
	timestampSize    = 8
	messageIDSize    = 16
	machineIDSize    = 36
	publicKeySize    = 32
	signatureSize    = 64

	// HeaderSizeNoRecipient is the encoded header length when flagHasRecipient
	// is unset (no recipient peer id field present).
	HeaderSizeNoRecipient = networkHashSize + flagsSize + peerIDFieldSize +
		channelHashSize + channelNameSize + hopCountSize + timestampSize +
		messageIDSize + machineIDSize + publicKeySize + signatureSize

	// HeaderSizeWithRecipient is the encoded header length when a recipient
	// peer id is present (flagHasRecipient set).
	HeaderSizeWithRecipient = HeaderSizeNoRecipient + peerIDFieldSize

	flagHasRecipient byte = 1 << 0

	// MaxChannelNameBytes is the maximum length of a channel string; longer
	// names are truncated identically on both sides before hashing/encoding.
	MaxChannelNameBytes = channelNameSize
)

// EnvelopeHeader is the fixed-layout binary record carried, encrypted, at the
// front of every envelope packet. FromPeerID/ToPeerID are the hex PeerId
// strings (see package identity); MachineID is a UUID-shaped opaque string
// distinguishing independent processes running under the same identity.
type EnvelopeHeader struct {
	NetworkHash   [networkHashSize]byte
	HasRecipient  bool
	FromPeerID    string
	ToPeerID      string // empty when HasRecipient is false
	ChannelHash   uint16
	ChannelString string
	HopCount      uint8
	TimestampMs   int64
	MessageID     [messageIDSize]byte
	MachineID     string
	PublicKey     [publicKeySize]byte
	Signature     [signatureSize]byte
}

// IncrementHop returns the header's hop count incremented by one, saturating
// at 255 rather than wrapping to 0.
func (h *EnvelopeHeader) IncrementHop() uint8 {
	if h.HopCount == 255 {
		return 255
	}
	return h.HopCount + 1
}

// EncodedSize returns the number of bytes Marshal will produce for this header.
func (h *EnvelopeHeader) EncodedSize() int {
	if h.HasRecipient {
		return HeaderSizeWithRecipient
	}
	return HeaderSizeNoRecipient
}

// Marshal encodes the header to its fixed-layout binary form.
func (h *EnvelopeHeader) Marshal() ([]byte, error) {
	buf := make([]byte, h.EncodedSize())
	off := 0

	copy(buf[off:off+networkHashSize], h.NetworkHash[:])
	off += networkHashSize

	flags := byte(0)
	if h.HasRecipient {
		flags |= flagHasRecipient
	}
	buf[off] = flags
	off++

	if err := putPaddedString(buf[off:off+peerIDFieldSize], h.FromPeerID, peerIDFieldSize); err != nil {
		return nil, fmt.Errorf("from peer id: %w", err)
	}
	off += peerIDFieldSize

	if h.HasRecipient {
		if err := putPaddedString(buf[off:off+peerIDFieldSize], h.ToPeerID, peerIDFieldSize); err != nil {
			return nil, fmt.Errorf("to peer id: %w", err)
		}
		off += peerIDFieldSize
	}

	binary.BigEndian.PutUint16(buf[off:off+channelHashSize], h.ChannelHash)
	off += channelHashSize

	channelBytes := truncateChannel(h.ChannelString)
	if err := putPaddedString(buf[off:off+channelNameSize], channelBytes, channelNameSize); err != nil {
		return nil, fmt.Errorf("channel string: %w", err)
	}
	off += channelNameSize

	buf[off] = h.HopCount
	off++

	binary.BigEndian.PutUint64(buf[off:off+timestampSize], uint64(h.TimestampMs))
	off += timestampSize

	copy(buf[off:off+messageIDSize], h.MessageID[:])
	off += messageIDSize

	if err := putPaddedString(buf[off:off+machineIDSize], h.MachineID, machineIDSize); err != nil {
		return nil, fmt.Errorf("machine id: %w", err)
	}
	off += machineIDSize

	copy(buf[off:off+publicKeySize], h.PublicKey[:])
	off += publicKeySize

	copy(buf[off:off+signatureSize], h.Signature[:])
	off += signatureSize

	return buf, nil
}

// UnmarshalHeader parses a fixed-layout header from its binary form. It determines
// whether a recipient field is present from the flags byte and the supplied
// buffer length.
func UnmarshalHeader(data []byte) (*EnvelopeHeader, error) {
	if len(data) != HeaderSizeNoRecipient && len(data) != HeaderSizeWithRecipient {
		return nil, fmt.Errorf("%w: header length %d", ErrTruncatedPacket, len(data))
	}

	h := &EnvelopeHeader{}
	off := 0

	copy(h.NetworkHash[:], data[off:off+networkHashSize])
	off += networkHashSize

	flags := data[off]
	h.HasRecipient = flags&flagHasRecipient != 0
	off++

	if h.HasRecipient && len(data) != HeaderSizeWithRecipient {
		return nil, fmt.Errorf("%w: has-recipient flag set but header length %d", ErrTruncatedPacket, len(data))
	}
	if !h.HasRecipient && len(data) != HeaderSizeNoRecipient {
		return nil, fmt.Errorf("%w: has-recipient flag unset but header length %d", ErrTruncatedPacket, len(data))
	}

	h.FromPeerID = trimPadded(data[off : off+peerIDFieldSize])
	off += peerIDFieldSize

	if h.HasRecipient {
		h.ToPeerID = trimPadded(data[off : off+peerIDFieldSize])
		off += peerIDFieldSize
	}

	h.ChannelHash = binary.BigEndian.Uint16(data[off : off+channelHashSize])
	off += channelHashSize

	h.ChannelString = trimPadded(data[off : off+channelNameSize])
	off += channelNameSize

	h.HopCount = data[off]
	off++

	h.TimestampMs = int64(binary.BigEndian.Uint64(data[off : off+timestampSize]))
	off += timestampSize

	copy(h.MessageID[:], data[off:off+messageIDSize])
	off += messageIDSize

	h.MachineID = trimPadded(data[off : off+machineIDSize])
	off += machineIDSize

	copy(h.PublicKey[:], data[off:off+publicKeySize])
	off += publicKeySize

	copy(h.Signature[:], data[off:off+signatureSize])
	off += signatureSize

	return h, nil
}

// PreSignatureBytes returns the canonical byte sequence a signer/verifier
// hashes: every header field except the signature itself, in Marshal's
// encoding (channel hash plus the channel string truncated to
// MaxChannelNameBytes).
func (h *EnvelopeHeader) PreSignatureBytes() ([]byte, error) {
	cp := *h
	cp.Signature = [signatureSize]byte{}
	full, err := cp.Marshal()
	if err != nil {
		return nil, err
	}
	// Strip the trailing signature field — it is zero but still present.
	return full[:len(full)-signatureSize], nil
}

func truncateChannel(s string) string {
	b := []byte(s)
	if len(b) > MaxChannelNameBytes {
		b = b[:MaxChannelNameBytes]
	}
	return string(b)
}

func putPaddedString(dst []byte, s string, width int) error {
	b := []byte(s)
	if len(b) > width {
		return fmt.Errorf("value %q exceeds field width %d", s, width)
	}
	copy(dst, b)
	for i := len(b); i < width; i++ {
		dst[i] = 0
	}
	return nil
}

func trimPadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
