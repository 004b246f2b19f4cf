package bootstrap

import (
	"context"
	"fmt"
	"testing"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/peerstore"
	"github.com/omerta-mesh/core/pkg/wire"
)

type fakePinger struct {
	alive map[string]identity.PeerID
}

func (f *fakePinger) Ping(ctx context.Context, endpoint string) (identity.PeerID, error) {
	if id, ok := f.alive[endpoint]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no answer from %s", endpoint)
}

func TestBootstrapReturnsLiveCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HardcodedEndpoints = []string{"203.0.113.1:4444", "203.0.113.2:4444"}

	pinger := &fakePinger{alive: map[string]identity.PeerID{
		"203.0.113.1:4444": "peerA",
	}}

	results, err := Bootstrap(context.Background(), cfg, pinger, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(results) != 1 || results[0].PeerID != "peerA" {
		t.Fatalf("results = %+v, want exactly peerA", results)
	}
}

func TestBootstrapErrorsWithNoCandidates(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := Bootstrap(context.Background(), cfg, &fakePinger{}, nil); err == nil {
		t.Fatalf("expected error with no candidate endpoints")
	}
}

func TestBootstrapIncludesPersistedPeerEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UsePersistedPeers = true

	persisted := []peerstore.StoredPeer{
		{
			Announcement: peerstore.PeerAnnouncement{
				PeerID: "peerB",
				Paths:  []peerstore.ReachabilityPath{peerstore.DirectPath("198.51.100.1:4444")},
			},
		},
	}
	pinger := &fakePinger{alive: map[string]identity.PeerID{
		"198.51.100.1:4444": "peerB",
	}}

	results, err := Bootstrap(context.Background(), cfg, pinger, persisted)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(results) != 1 || results[0].PeerID != "peerB" {
		t.Fatalf("results = %+v, want exactly peerB", results)
	}
}

type fakeLookup struct {
	answers map[identity.PeerID]*wire.SignedAnnouncement
}

func (f *fakeLookup) FindPeer(ctx context.Context, via identity.PeerID, target identity.PeerID) (*wire.SignedAnnouncement, error) {
	ann, ok := f.answers[via]
	if !ok {
		return nil, fmt.Errorf("peer %s did not answer", via)
	}
	return ann, nil
}

func TestFindPeerTriesEachCandidateInTurn(t *testing.T) {
	target := identity.PeerID("target-peer")
	want := &wire.SignedAnnouncement{PeerID: string(target)}
	lookup := &fakeLookup{answers: map[identity.PeerID]*wire.SignedAnnouncement{
		"directory2": want,
	}}

	got, err := FindPeer(context.Background(), lookup, []identity.PeerID{"directory1", "directory2"}, target)
	if err != nil {
		t.Fatalf("FindPeer: %v", err)
	}
	if got.PeerID != want.PeerID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFindPeerReturnsErrorWhenNoneAnswer(t *testing.T) {
	lookup := &fakeLookup{answers: map[identity.PeerID]*wire.SignedAnnouncement{}}
	if _, err := FindPeer(context.Background(), lookup, []identity.PeerID{"directory1"}, "target"); err == nil {
		t.Fatalf("expected error when no directory peer answers")
	}
}
