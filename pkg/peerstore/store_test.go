package peerstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func announcement(id string) PeerAnnouncement {
	return PeerAnnouncement{
		PeerID:    identity.PeerID(id),
		CreatedAt: time.Now(),
		Paths:     []ReachabilityPath{DirectPath("203.0.113.1:4444")},
	}
}

func TestStoreUpdateAndGet(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()
	if err := s.Update(now, announcement("peer1"), "gossip"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, ok := s.Get("peer1")
	if !ok {
		t.Fatalf("expected peer1 to be stored")
	}
	if got.DiscoveryMethod != "gossip" {
		t.Fatalf("DiscoveryMethod = %q, want gossip", got.DiscoveryMethod)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Update(time.Now(), announcement("peer1"), "gossip"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := Open("net-a")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("Count after reopen = %d, want 1", reopened.Count())
	}
}

func TestStoreIsNetworkScoped(t *testing.T) {
	withHome(t)
	a, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open net-a: %v", err)
	}
	if err := a.Update(time.Now(), announcement("peer1"), "gossip"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	b, err := Open("net-b")
	if err != nil {
		t.Fatalf("Open net-b: %v", err)
	}
	if b.Count() != 0 {
		t.Fatalf("net-b should start empty, got count %d", b.Count())
	}
}

func TestStoreMigratesLegacyFile(t *testing.T) {
	home := withHome(t)
	legacyPath := filepath.Join(home, ".omerta", "mesh", "peers.json")
	if err := os.MkdirAll(filepath.Dir(legacyPath), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(legacyPath, []byte(`{"peers":{"legacy-peer":{"announcement":{"peerId":"legacy-peer","paths":[]},"discoveryMethod":"legacy","reliability":{},"lastUpdatedAt":"2020-01-01T00:00:00Z"}}}`), 0600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Get("legacy-peer"); !ok {
		t.Fatalf("expected legacy peer to be migrated into net-a store")
	}
}

func TestStoreEvictsWorstAtCapacity(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()
	for i := 0; i < DefaultMaxPeers; i++ {
		id := identity.PeerID(filepath.Join("peer", string(rune('a'+i%26)), time.Duration(i).String()))
		if err := s.Update(now, announcement(string(id)), "gossip"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if s.Count() != DefaultMaxPeers {
		t.Fatalf("Count = %d, want %d", s.Count(), DefaultMaxPeers)
	}

	if err := s.Update(now.Add(time.Second), announcement("newcomer"), "gossip"); err != nil {
		t.Fatalf("Update over capacity: %v", err)
	}
	if s.Count() != DefaultMaxPeers {
		t.Fatalf("Count after over-capacity update = %d, want %d", s.Count(), DefaultMaxPeers)
	}
	if _, ok := s.Get("newcomer"); !ok {
		t.Fatalf("expected newcomer to be admitted after evicting the worst peer")
	}
}

func TestStoreUpdateRejectsAnnouncementWithNoValidPaths(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ann := announcement("peer1")
	ann.Paths = []ReachabilityPath{DirectPath("127.0.0.1:4444")}
	if err := s.Update(time.Now(), ann, "gossip"); err != ErrNoValidPaths {
		t.Fatalf("Update error = %v, want ErrNoValidPaths", err)
	}
	if _, ok := s.Get("peer1"); ok {
		t.Fatalf("peer1 should not have been stored")
	}
}

func TestStoreAllPeersExcludesExpiredAnnouncement(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()
	ann := announcement("peer1")
	ann.CreatedAt = now.Add(-time.Hour)
	ann.TTLSeconds = 60
	if err := s.Update(now.Add(-time.Hour), ann, "gossip"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all := s.AllPeers()
	if len(all) != 0 {
		t.Fatalf("AllPeers() returned %d peers, want 0 for an expired announcement", len(all))
	}
}

func TestStoreAllPeersExcludesPeerWithNoValidPaths(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ann := announcement("peer1")
	if err := s.Update(time.Now(), ann, "gossip"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s.mu.Lock()
	s.peers["peer1"].Announcement.Paths = []ReachabilityPath{DirectPath("169.254.1.1:4444")}
	s.mu.Unlock()

	all := s.AllPeers()
	if len(all) != 0 {
		t.Fatalf("AllPeers() returned %d peers, want 0 once every path is invalidated", len(all))
	}
}

func TestStoreCleanupStaleRemovesExpiredAndInvalidatedPeers(t *testing.T) {
	withHome(t)
	s, err := Open("net-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()

	fresh := announcement("fresh")
	if err := s.Update(now, fresh, "gossip"); err != nil {
		t.Fatalf("Update fresh: %v", err)
	}

	expired := announcement("expired-ttl")
	expired.CreatedAt = now.Add(-time.Hour)
	expired.TTLSeconds = 60
	if err := s.Update(now, expired, "gossip"); err != nil {
		t.Fatalf("Update expired-ttl: %v", err)
	}

	invalidated := announcement("invalidated")
	if err := s.Update(now, invalidated, "gossip"); err != nil {
		t.Fatalf("Update invalidated: %v", err)
	}
	s.mu.Lock()
	s.peers["invalidated"].Announcement.Paths = []ReachabilityPath{DirectPath("224.0.0.1:4444")}
	s.mu.Unlock()

	removed, err := s.CleanupStale(now, time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if removed != 2 {
		t.Fatalf("CleanupStale removed %d, want 2", removed)
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatalf("fresh peer should survive cleanup")
	}
	if _, ok := s.Get("expired-ttl"); ok {
		t.Fatalf("TTL-expired peer should have been removed")
	}
	if _, ok := s.Get("invalidated"); ok {
		t.Fatalf("peer with no valid paths should have been removed")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	now := time.Now()
	c.Insert(now, StoredPeer{Announcement: announcement("peer1")})

	if _, ok := c.Get(now, "peer1"); !ok {
		t.Fatalf("expected peer1 to be cached immediately")
	}
	later := now.Add(50 * time.Millisecond)
	if _, ok := c.Get(later, "peer1"); ok {
		t.Fatalf("expected peer1 to have expired")
	}
	if removed := c.EvictExpired(later); removed != 1 {
		t.Fatalf("EvictExpired removed %d, want 1", removed)
	}
}
