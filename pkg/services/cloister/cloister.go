// Package cloister implements private-network negotiation: two peers
// perform an ephemeral X25519 exchange, confirm they derived the same
// session key, then use that key to seal a network invite for sharing.
// Ephemeral private keys are zeroed immediately after the shared secret is
// computed so a compromise of either peer afterward cannot recover past
// session keys.
package cloister

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/omerta-mesh/core/pkg/channel"
	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// ErrConfirmationMismatch is returned when the peer's key-confirmation tag
// does not match the locally derived one, meaning the two sides computed
// different session keys (wrong peer, tampered exchange, or a bug).
var ErrConfirmationMismatch = errors.New("cloister: key confirmation mismatch")

const confirmLabel = "cloister-confirm-v1"

type negotiateRequest struct {
	EphemeralPublicKey [32]byte `json:"ephemeralPublicKey"`
	Context            string   `json:"context"`
}

type negotiateResponse struct {
	EphemeralPublicKey [32]byte `json:"ephemeralPublicKey"`
}

type deriveRequest struct {
	ConfirmTag [32]byte `json:"confirmTag"`
}

type deriveResponse struct {
	ConfirmTag [32]byte `json:"confirmTag"`
}

type shareRequest struct {
	Nonce      [12]byte `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

type shareResponse struct {
	OK bool `json:"ok"`
}

// OnNegotiated is invoked on the responding side of a negotiation once a
// session key has been established with peer under the given context
// label.
type OnNegotiated func(peer identity.PeerID, contextLabel string, sessionKey [32]byte)

// OnShared is invoked on the responding side of a share exchange with the
// decrypted invite payload.
type OnShared func(peer identity.PeerID, invite []byte)

// Service implements the responding side of cloister negotiation, key
// confirmation, and invite sharing.
type Service struct {
	provider     channel.Provider
	onNegotiated OnNegotiated
	onShared     OnShared

	negotiateResponder *channel.Responder
	deriveResponder    *channel.Responder
	shareResponder     *channel.Responder

	sessions map[identity.PeerID][32]byte
}

// NewService registers responders for cloister-negotiate, cloister-derive,
// and cloister-share on provider.
func NewService(provider channel.Provider, onNegotiated OnNegotiated, onShared OnShared) *Service {
	s := &Service{
		provider:     provider,
		onNegotiated: onNegotiated,
		onShared:     onShared,
		sessions:     make(map[identity.PeerID][32]byte),
	}

	s.negotiateResponder = channel.NewResponder(provider, wire.ChannelCloisterNegotiate, func(from identity.PeerID, body []byte) ([]byte, error) {
		var req negotiateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		pub, sessionKey, err := respondExchange(req.EphemeralPublicKey, req.Context)
		if err != nil {
			return nil, err
		}
		s.sessions[from] = sessionKey
		if s.onNegotiated != nil {
			s.onNegotiated(from, req.Context, sessionKey)
		}
		return json.Marshal(negotiateResponse{EphemeralPublicKey: pub})
	})

	s.deriveResponder = channel.NewResponder(provider, wire.ChannelCloisterDerive, func(from identity.PeerID, body []byte) ([]byte, error) {
		var req deriveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		sessionKey, ok := s.sessions[from]
		if !ok {
			return nil, fmt.Errorf("cloister: no negotiated session with %s", from)
		}
		localTag := confirmTag(sessionKey)
		if !hmac.Equal(localTag[:], req.ConfirmTag[:]) {
			return nil, ErrConfirmationMismatch
		}
		return json.Marshal(deriveResponse{ConfirmTag: localTag})
	})

	s.shareResponder = channel.NewResponder(provider, wire.ChannelCloisterShare, func(from identity.PeerID, body []byte) ([]byte, error) {
		var req shareRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		sessionKey, ok := s.sessions[from]
		if !ok {
			return nil, fmt.Errorf("cloister: no negotiated session with %s", from)
		}
		invite, err := openShare(sessionKey, req.Nonce, req.Ciphertext)
		if err != nil {
			return nil, err
		}
		if s.onShared != nil {
			s.onShared(from, invite)
		}
		return json.Marshal(shareResponse{OK: true})
	})

	return s
}

// Close unregisters all three responders.
func (s *Service) Close() {
	s.negotiateResponder.Close()
	s.deriveResponder.Close()
	s.shareResponder.Close()
}

// Negotiate performs the initiator side of an X25519 exchange with peer
// under contextLabel, returning the derived session key. The local
// ephemeral private key never leaves this function and is zeroed before
// returning.
func Negotiate(ctx context.Context, client *channel.RequestClient, peer identity.PeerID, contextLabel string) ([32]byte, error) {
	var sessionKey [32]byte

	priv, pub, err := generateEphemeral()
	if err != nil {
		return sessionKey, err
	}
	defer zero(priv[:])

	reqBody, err := json.Marshal(negotiateRequest{EphemeralPublicKey: pub, Context: contextLabel})
	if err != nil {
		return sessionKey, err
	}
	respBody, err := client.Request(ctx, peer, reqBody)
	if err != nil {
		return sessionKey, err
	}
	var resp negotiateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return sessionKey, err
	}

	return deriveSessionKey(priv, resp.EphemeralPublicKey, contextLabel)
}

// Confirm performs the initiator side of key confirmation: it sends its own
// confirmation tag and verifies the peer's tag matches, proving both sides
// derived the same session key without revealing it.
func Confirm(ctx context.Context, client *channel.RequestClient, peer identity.PeerID, sessionKey [32]byte) error {
	localTag := confirmTag(sessionKey)
	reqBody, err := json.Marshal(deriveRequest{ConfirmTag: localTag})
	if err != nil {
		return err
	}
	respBody, err := client.Request(ctx, peer, reqBody)
	if err != nil {
		return err
	}
	var resp deriveResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	if !hmac.Equal(localTag[:], resp.ConfirmTag[:]) {
		return ErrConfirmationMismatch
	}
	return nil
}

// Share seals invite with sessionKey and sends it to peer over
// cloister-share.
func Share(ctx context.Context, client *channel.RequestClient, peer identity.PeerID, sessionKey [32]byte, invite []byte) error {
	nonce, ciphertext, err := sealShare(sessionKey, invite)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(shareRequest{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return err
	}
	respBody, err := client.Request(ctx, peer, reqBody)
	if err != nil {
		return err
	}
	var resp shareResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("cloister: peer rejected shared invite")
	}
	return nil
}

func generateEphemeral() (priv [32]byte, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("cloister: derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

func deriveSessionKey(priv, peerPub [32]byte, contextLabel string) ([32]byte, error) {
	var sessionKey [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return sessionKey, fmt.Errorf("cloister: compute shared secret: %w", err)
	}
	defer zero(shared)

	r := hkdf.New(func() hash.Hash { return sha256.New() }, shared, nil, []byte(contextLabel))
	if _, err := io.ReadFull(r, sessionKey[:]); err != nil {
		return sessionKey, fmt.Errorf("cloister: derive session key: %w", err)
	}
	return sessionKey, nil
}

// respondExchange is the responder-side mirror of Negotiate/deriveSessionKey:
// generate a fresh ephemeral keypair, compute the shared session key against
// the initiator's public key, and destroy the ephemeral private key before
// returning.
func respondExchange(peerPub [32]byte, contextLabel string) (pub [32]byte, sessionKey [32]byte, err error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return pub, sessionKey, err
	}
	defer zero(priv[:])

	sessionKey, err = deriveSessionKey(priv, peerPub, contextLabel)
	return pub, sessionKey, err
}

func confirmTag(sessionKey [32]byte) [32]byte {
	mac := hmac.New(sha256.New, sessionKey[:])
	mac.Write([]byte(confirmLabel))
	var tag [32]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

func sealShare(sessionKey [32]byte, plaintext []byte) (nonce [12]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	aead, err := chacha20poly1305.New(sessionKey[:])
	if err != nil {
		return nonce, nil, err
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, nil)
	return nonce, ciphertext, nil
}

func openShare(sessionKey [32]byte, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sessionKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
