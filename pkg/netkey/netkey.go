// Package netkey defines the shared network secret that scopes every other
// piece of mesh state: the raw key peers derive wire and rendezvous keys
// from, and the omerta://join/ invite URL peers exchange out of band.
package netkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// KeySize is the length, in bytes, of a raw network key.
	KeySize = 32

	inviteScheme = "omerta://join/"
)

// NetworkKey is the shared secret for one mesh network: a random 32-byte key
// plus the metadata needed to bootstrap into it.
type NetworkKey struct {
	Name                string    `json:"name"`
	Key                 [KeySize]byte `json:"-"`
	BootstrapEndpoints  []string  `json:"bootstrapEndpoints,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// inviteDoc is the JSON structure embedded, base64-encoded, in an invite URL.
// The key travels as a separate base64 field rather than relying on
// NetworkKey's own (deliberately key-less) JSON tags.
type inviteDoc struct {
	Name               string    `json:"name"`
	KeyBase64          string    `json:"key"`
	BootstrapEndpoints []string  `json:"bootstrapEndpoints,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Generate creates a fresh random network key.
func Generate(name string, bootstrapEndpoints []string) (NetworkKey, error) {
	nk := NetworkKey{
		Name:               name,
		BootstrapEndpoints: bootstrapEndpoints,
		CreatedAt:          time.Now().UTC(),
	}
	if _, err := rand.Read(nk.Key[:]); err != nil {
		return NetworkKey{}, fmt.Errorf("netkey: generate key: %w", err)
	}
	return nk, nil
}

// NetworkID returns a stable identifier for this network, used to namespace
// on-disk peer stores and identities: the first 20 hex characters of
// SHA-256(key).
func (nk NetworkKey) NetworkID() string {
	sum := sha256.Sum256(nk.Key[:])
	return fmt.Sprintf("%x", sum[:10])
}

// NetworkHash returns the 8-byte hash embedded in every envelope header for
// this network, derived independently of NetworkID so that on-disk network
// scoping and the wire-visible hash cannot be confused for one another.
func (nk NetworkKey) NetworkHash() [8]byte {
	sum := sha256.Sum256(append([]byte("omerta-network-hash-v1"), nk.Key[:]...))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// RendezvousID returns the 20-byte BitTorrent Mainline DHT infohash peers
// on this network announce to and query, derived independently of
// NetworkID and NetworkHash so a DHT observer correlating infohashes
// across networks learns nothing about either.
func (nk NetworkKey) RendezvousID() [20]byte {
	sum := sha256.Sum256(append([]byte("omerta-rendezvous-id-v1"), nk.Key[:]...))
	var out [20]byte
	copy(out[:], sum[:20])
	return out
}

// InviteURL encodes the network key as an omerta://join/<base64-json> URL
// suitable for sharing out of band.
func (nk NetworkKey) InviteURL() (string, error) {
	doc := inviteDoc{
		Name:               nk.Name,
		KeyBase64:          base64.StdEncoding.EncodeToString(nk.Key[:]),
		BootstrapEndpoints: nk.BootstrapEndpoints,
		CreatedAt:          nk.CreatedAt,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("netkey: encode invite: %w", err)
	}
	return inviteScheme + base64.URLEncoding.EncodeToString(raw), nil
}

// ParseInviteURL decodes an omerta://join/ URL back into a NetworkKey.
func ParseInviteURL(url string) (NetworkKey, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, inviteScheme) {
		return NetworkKey{}, fmt.Errorf("netkey: not an invite url: %q", url)
	}
	encoded := strings.TrimPrefix(url, inviteScheme)
	if idx := strings.IndexAny(encoded, "?#"); idx != -1 {
		encoded = encoded[:idx]
	}

	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("netkey: decode invite payload: %w", err)
	}

	var doc inviteDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NetworkKey{}, fmt.Errorf("netkey: parse invite payload: %w", err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(doc.KeyBase64)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("netkey: decode invite key: %w", err)
	}
	if len(keyBytes) != KeySize {
		return NetworkKey{}, fmt.Errorf("netkey: invite key has length %d, want %d", len(keyBytes), KeySize)
	}

	nk := NetworkKey{
		Name:               doc.Name,
		BootstrapEndpoints: doc.BootstrapEndpoints,
		CreatedAt:          doc.CreatedAt,
	}
	copy(nk.Key[:], keyBytes)
	return nk, nil
}
