package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// storedIdentity is the on-disk representation of one network's keypair.
type storedIdentity struct {
	PrivateKeyBase64 string `json:"privateKeyBase64"`
	CreatedAt        string `json:"createdAt"`
}

// Store persists one Ed25519 keypair per network id to a single JSON file,
// creating a new identity the first time a network is seen. Grounded on the
// write-new-file-then-rename persistence idiom used throughout wgmesh's
// daemon state files.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the identity store path under the user's home
// directory: <home>/.omerta/mesh/identities.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("identity: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".omerta", "mesh", "identities.json"), nil
}

// NewStore opens (without yet reading) an identity store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (map[string]storedIdentity, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]storedIdentity{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read store: %w", err)
	}
	var m map[string]storedIdentity
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("identity: parse store: %w", err)
	}
	return m, nil
}

func (s *Store) save(m map[string]storedIdentity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("identity: create store directory: %w", err)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]storedIdentity, len(m))
	for _, k := range keys {
		ordered[k] = m[k]
	}

	data, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("identity: write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("identity: rename temp store: %w", err)
	}
	return nil
}

// GetOrCreate returns the keypair for networkID, generating and persisting
// a new one the first time the network id is seen.
func (s *Store) GetOrCreate(networkID string) (Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return Keypair{}, err
	}

	if existing, ok := m[networkID]; ok {
		return decodeStoredIdentity(existing)
	}

	kp, err := Generate()
	if err != nil {
		return Keypair{}, err
	}

	m[networkID] = storedIdentity{
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(kp.Private),
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.save(m); err != nil {
		return Keypair{}, err
	}
	return kp, nil
}

// Rotate discards the stored keypair for networkID and generates a new one.
func (s *Store) Rotate(networkID string) (Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return Keypair{}, err
	}

	kp, err := Generate()
	if err != nil {
		return Keypair{}, err
	}
	m[networkID] = storedIdentity{
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(kp.Private),
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.save(m); err != nil {
		return Keypair{}, err
	}
	return kp, nil
}

func decodeStoredIdentity(si storedIdentity) (Keypair, error) {
	raw, err := base64.StdEncoding.DecodeString(si.PrivateKeyBase64)
	if err != nil {
		return Keypair{}, fmt.Errorf("identity: decode stored private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("identity: stored private key has unexpected length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Keypair{}, fmt.Errorf("identity: stored private key has no derivable public key")
	}
	return Keypair{Public: pub, Private: priv}, nil
}
