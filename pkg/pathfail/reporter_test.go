package pathfail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
)

type fakeTransport struct {
	mu          sync.Mutex
	relayed     []identity.PeerID
	broadcasted int
}

func (f *fakeTransport) SendReportToPeer(ctx context.Context, peer identity.PeerID, report Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, peer)
	return nil
}

func (f *fakeTransport) BroadcastReport(ctx context.Context, report Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasted++
	return nil
}

func TestReportFailureSuppressesDuplicatesWithinInterval(t *testing.T) {
	router := NewRouter([32]byte{1})
	router.RotateEpoch([]PeerInfo{{ID: "relay1"}})
	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.ReportInterval = time.Minute

	r := NewReporter("self", cfg, router, transport)
	now := time.Now()

	if err := r.ReportFailure(context.Background(), now, "peerX", "udp:direct"); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if err := r.ReportFailure(context.Background(), now.Add(time.Second), "peerX", "udp:direct"); err != nil {
		t.Fatalf("ReportFailure (duplicate): %v", err)
	}

	transport.mu.Lock()
	total := len(transport.relayed) + transport.broadcasted
	transport.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected exactly 1 propagation attempt for duplicate reports, got %d", total)
	}
}

func TestReportFailureAllowsAfterInterval(t *testing.T) {
	router := NewRouter([32]byte{1})
	router.RotateEpoch([]PeerInfo{{ID: "relay1"}})
	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.ReportInterval = 10 * time.Millisecond

	r := NewReporter("self", cfg, router, transport)
	now := time.Now()

	_ = r.ReportFailure(context.Background(), now, "peerX", "udp:direct")
	_ = r.ReportFailure(context.Background(), now.Add(20*time.Millisecond), "peerX", "udp:direct")

	transport.mu.Lock()
	total := len(transport.relayed) + transport.broadcasted
	transport.mu.Unlock()
	if total != 2 {
		t.Fatalf("expected 2 propagation attempts after interval elapsed, got %d", total)
	}
}

func TestHandleInboundRespectsMaxPropagationHops(t *testing.T) {
	router := NewRouter([32]byte{1})
	router.RotateEpoch([]PeerInfo{{ID: "relay1"}})
	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.MaxPropagationHops = 2

	r := NewReporter("self", cfg, router, transport)
	report := Report{UnreachablePeerID: "peerX", PathDescription: "udp:direct", HopCount: 2}

	if err := r.HandleInbound(context.Background(), time.Now(), report); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	transport.mu.Lock()
	total := len(transport.relayed) + transport.broadcasted
	transport.mu.Unlock()
	if total != 0 {
		t.Fatalf("expected report at max hop count to be dropped, got %d propagations", total)
	}
}

func TestForgetExpiredRemovesOldEntries(t *testing.T) {
	router := NewRouter([32]byte{1})
	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.FailureMemory = 10 * time.Millisecond

	r := NewReporter("self", cfg, router, transport)
	now := time.Now()
	_ = r.ReportFailure(context.Background(), now, "peerX", "udp:direct")

	removed := r.ForgetExpired(now.Add(time.Hour))
	if removed != 1 {
		t.Fatalf("ForgetExpired removed %d, want 1", removed)
	}
}
