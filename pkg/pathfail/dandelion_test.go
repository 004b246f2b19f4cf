package pathfail

import (
	"testing"
	"time"
)

func TestShouldFluffAlwaysTrueAtMaxHops(t *testing.T) {
	if !shouldFluffWithMax(DefaultMaxStemHops, DefaultMaxStemHops) {
		t.Fatalf("ShouldFluff at max stem hops should always be true")
	}
	if !shouldFluffWithMax(DefaultMaxStemHops+5, DefaultMaxStemHops) {
		t.Fatalf("ShouldFluff beyond max stem hops should always be true")
	}
}

func TestShouldFluffRareBelowMaxHops(t *testing.T) {
	fluffed := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		if shouldFluffWithMax(0, 4) {
			fluffed++
		}
	}
	if fluffed == 0 || fluffed > trials/4 {
		t.Fatalf("fluffed %d/%d times at hop 0, want roughly 10%%", fluffed, trials)
	}
}

func TestSelectRelayPeersDeterministic(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	peers := []PeerInfo{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}

	first := selectRelayPeers(seed, 1, peers, 2)
	second := selectRelayPeers(seed, 1, peers, 2)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 relay peers, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selectRelayPeers not deterministic: %+v != %+v", first, second)
		}
	}
}

func TestSelectRelayPeersEmptyPeers(t *testing.T) {
	if got := selectRelayPeers([32]byte{}, 0, nil, 3); got != nil {
		t.Fatalf("expected nil for empty peer set, got %+v", got)
	}
}

func TestSelectRelayPeersCapsAtPeerCount(t *testing.T) {
	peers := []PeerInfo{{ID: "a"}, {ID: "b"}}
	got := selectRelayPeers([32]byte{9}, 3, peers, 10)
	if len(got) != 2 {
		t.Fatalf("selectRelayPeers returned %d peers, want 2 (capped at peer count)", len(got))
	}
}

func TestRouterRotateEpochAndGetEpoch(t *testing.T) {
	r := NewRouter([32]byte{7})
	peers := []PeerInfo{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}}

	epoch := r.RotateEpoch(peers)
	if epoch.ID != 1 {
		t.Fatalf("epoch ID = %d, want 1", epoch.ID)
	}
	if len(epoch.RelayPeers) == 0 {
		t.Fatalf("expected a non-empty relay set")
	}
	if got := r.GetEpoch(); got.ID != epoch.ID {
		t.Fatalf("GetEpoch ID = %d, want %d", got.ID, epoch.ID)
	}
}

func TestRouterNeedsEpochRotation(t *testing.T) {
	r := NewRouter([32]byte{7})
	if r.NeedsEpochRotation(time.Now()) {
		t.Fatalf("freshly created router should not need rotation immediately")
	}
	if !r.NeedsEpochRotation(time.Now().Add(DefaultEpochDuration + time.Second)) {
		t.Fatalf("router should need rotation after DefaultEpochDuration has elapsed")
	}
}

func TestRouterHandleReportFluffsAtMaxHops(t *testing.T) {
	r := NewRouter([32]byte{3})
	r.RotateEpoch([]PeerInfo{{ID: "a"}, {ID: "b"}})

	var fluffed []Report
	r.SetFluffHandler(func(rep Report) { fluffed = append(fluffed, rep) })

	report := Report{HopCount: DefaultMaxStemHops - 1}
	relayTo := r.HandleReport(report)
	if relayTo != nil {
		t.Fatalf("expected fluff (nil relay target) once hop count reaches max stem hops")
	}
	if len(fluffed) != 1 {
		t.Fatalf("fluff handler invoked %d times, want 1", len(fluffed))
	}
}

func TestFormatEpochInfoIncludesID(t *testing.T) {
	r := NewRouter([32]byte{1})
	r.RotateEpoch([]PeerInfo{{ID: "a"}})
	s := r.FormatEpochInfo()
	if s == "" {
		t.Fatalf("FormatEpochInfo returned empty string")
	}
}
