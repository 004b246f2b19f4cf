package netkey

import "testing"

func TestInviteURLRoundTrip(t *testing.T) {
	nk, err := Generate("home-mesh", []string{"bootstrap.example.com:4444"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	url, err := nk.InviteURL()
	if err != nil {
		t.Fatalf("InviteURL: %v", err)
	}

	got, err := ParseInviteURL(url)
	if err != nil {
		t.Fatalf("ParseInviteURL: %v", err)
	}

	if got.Key != nk.Key {
		t.Fatalf("key did not round trip")
	}
	if got.Name != nk.Name {
		t.Fatalf("name did not round trip: got %q want %q", got.Name, nk.Name)
	}
	if len(got.BootstrapEndpoints) != 1 || got.BootstrapEndpoints[0] != "bootstrap.example.com:4444" {
		t.Fatalf("bootstrap endpoints did not round trip: %+v", got.BootstrapEndpoints)
	}
}

func TestParseInviteURLRejectsWrongScheme(t *testing.T) {
	if _, err := ParseInviteURL("https://example.com/not-an-invite"); err == nil {
		t.Fatalf("expected error for non-invite URL")
	}
}

func TestNetworkIDAndHashAreIndependent(t *testing.T) {
	nk, err := Generate("mesh", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id := nk.NetworkID()
	hash := nk.NetworkHash()
	if len(id) != 20 {
		t.Fatalf("NetworkID length = %d, want 20", len(id))
	}
	if hash == ([8]byte{}) {
		t.Fatalf("NetworkHash returned all zeroes")
	}
}

func TestNetworkIDIsDeterministic(t *testing.T) {
	nk, err := Generate("mesh", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if nk.NetworkID() != nk.NetworkID() {
		t.Fatalf("NetworkID is not deterministic")
	}
}

func TestRendezvousIDIsDeterministicAndDistinct(t *testing.T) {
	nk, err := Generate("mesh", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rid := nk.RendezvousID()
	if rid != nk.RendezvousID() {
		t.Fatalf("RendezvousID is not deterministic")
	}
	if rid == ([20]byte{}) {
		t.Fatalf("RendezvousID returned all zeroes")
	}

	hash := nk.NetworkHash()
	var hashPrefix [20]byte
	copy(hashPrefix[:8], hash[:])
	if rid == hashPrefix {
		t.Fatalf("RendezvousID collided with NetworkHash-derived bytes")
	}
}

func TestRendezvousIDDiffersAcrossNetworks(t *testing.T) {
	a, err := Generate("mesh-a", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate("mesh-b", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.RendezvousID() == b.RendezvousID() {
		t.Fatalf("RendezvousID collided across independently generated networks")
	}
}
