package control

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientServerIntegration(t *testing.T) {
	// Unix socket paths are limited to ~104 chars on macOS. Use /tmp
	// directly with a short unique name rather than t.TempDir(), which
	// produces long paths.
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("omerta-control-%d.sock", os.Getpid()))
	t.Cleanup(func() { os.Remove(socketPath) })

	mockPeer := PeerInfo{
		PeerID:          "peer-abc123",
		Endpoints:       []string{"203.0.113.10:47800"},
		DiscoveryMethod: "gossip",
		ReliabilityPct:  95.5,
		LastUpdated:     time.Now().UTC().Format(time.RFC3339),
	}
	mockStatus := DaemonStatusResult{
		NetworkName: "home",
		PeerID:      "local-peer-xyz",
		ListenPort:  47800,
	}
	mockFailure := PathFailureInfo{
		UnreachablePeerID: "peer-def456",
		Path:              "203.0.113.20:47800",
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	cfg := ServerConfig{
		SocketPath: socketPath,
		Version:    "test-v1.0",
		GetPeers:   func() []PeerInfo { return []PeerInfo{mockPeer} },
		GetPeerCounts: func() (int, int) {
			return 1, 1
		},
		GetStatus:         func() DaemonStatusResult { return mockStatus },
		GetRecentFailures: func() []PathFailureInfo { return []PathFailureInfo{mockFailure} },
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	var client *Client
	for i := 0; i < 10; i++ {
		client, err = NewClient(socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	t.Run("daemon.ping", func(t *testing.T) {
		var out DaemonPingResult
		if err := client.Call("daemon.ping", nil, &out); err != nil {
			t.Fatalf("daemon.ping: %v", err)
		}
		if !out.Pong || out.Version != "test-v1.0" {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("peers.list", func(t *testing.T) {
		var out PeersListResult
		if err := client.Call("peers.list", nil, &out); err != nil {
			t.Fatalf("peers.list: %v", err)
		}
		if len(out.Peers) != 1 || out.Peers[0].PeerID != mockPeer.PeerID {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("peers.count", func(t *testing.T) {
		var out PeersCountResult
		if err := client.Call("peers.count", nil, &out); err != nil {
			t.Fatalf("peers.count: %v", err)
		}
		if out.Active != 1 || out.Total != 1 {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("daemon.status", func(t *testing.T) {
		var out DaemonStatusResult
		if err := client.Call("daemon.status", nil, &out); err != nil {
			t.Fatalf("daemon.status: %v", err)
		}
		if out.NetworkName != mockStatus.NetworkName || out.Version != "test-v1.0" {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("pathfail.list", func(t *testing.T) {
		var out PathFailureListResult
		if err := client.Call("pathfail.list", nil, &out); err != nil {
			t.Fatalf("pathfail.list: %v", err)
		}
		if len(out.Failures) != 1 || out.Failures[0].UnreachablePeerID != mockFailure.UnreachablePeerID {
			t.Fatalf("got %+v", out)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		if err := client.Call("invalid.method", nil, nil); err == nil {
			t.Error("expected error for invalid method")
		}
	})
}
