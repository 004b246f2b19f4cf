package wire

import "errors"

// Sentinel errors for envelope decoding. Callers use errors.Is against these
// to decide whether a malformed packet is worth logging at all: most of them
// are expected background noise on a public UDP socket.
var (
	ErrTruncatedPacket  = errors.New("wire: truncated packet")
	ErrBadPrefix        = errors.New("wire: bad packet prefix")
	ErrHeaderAuthFailed = errors.New("wire: header authentication failed")
	ErrPayloadAuthFailed = errors.New("wire: payload authentication failed")
	ErrReplayed         = errors.New("wire: timestamp outside replay window")
	ErrBadSignature     = errors.New("wire: signature verification failed")
	ErrUnknownNetwork   = errors.New("wire: network hash does not match any known network")
	ErrUnknownMessageType = errors.New("wire: unrecognized message type tag")
	ErrFieldTooLong     = errors.New("wire: field exceeds fixed width")
)
