// Package identity manages Ed25519 keypairs used to sign envelope headers
// and peer announcements, and their on-disk persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PeerID is the hex-encoded, lower-case first 8 bytes of a public key's
// SHA-256-free fingerprint: here we use the raw public key's first 8 bytes
// directly, hex-encoded to 16 characters, which is short enough to fit the
// header's null-padded peer id field with room to spare.
type PeerID string

// DerivePeerID computes the PeerID for a public key.
func DerivePeerID(pub ed25519.PublicKey) PeerID {
	return PeerID(hex.EncodeToString(pub[:8]))
}

// Keypair is an Ed25519 identity keypair bound to a single network.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PeerID returns the peer id derived from this keypair's public key.
func (k Keypair) PeerID() PeerID {
	return DerivePeerID(k.Public)
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("identity: generate key: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}
