package wire

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func testKeys(t *testing.T) NetworkKeys {
	t.Helper()
	var networkKey [32]byte
	copy(networkKey[:], []byte("01234567890123456789012345678901"))
	hash := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	keys, err := DeriveNetworkKeys(networkKey, hash)
	if err != nil {
		t.Fatalf("DeriveNetworkKeys: %v", err)
	}
	return keys
}

func testHeader(t *testing.T, channel string) *EnvelopeHeader {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := &EnvelopeHeader{
		FromPeerID:    "abcd1234abcd1234",
		ChannelHash:   ChannelHash(channel),
		ChannelString: channel,
		TimestampMs:   time.Now().UnixMilli(),
		MachineID:     "machine-uuid-shaped-1234567890123456",
	}
	copy(h.PublicKey[:], pub)
	if err := SignHeader(h, priv); err != nil {
		t.Fatalf("SignHeader: %v", err)
	}
	return h
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys := testKeys(t)
	header := testHeader(t, ChannelPing)
	msg := &MeshMessage{Type: MessageTypePing, Ping: &PingPayload{Nonce: [8]byte{9, 9, 9}}}
	payload, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}

	packet, err := Seal(keys, header, payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if got := packet[:5]; string(got) != "OMRT\x02" {
		t.Fatalf("unexpected prefix: %x", got)
	}

	gotHeader, gotPayload, err := Open([]NetworkKeys{keys}, packet, time.Now(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotHeader.ChannelString != ChannelPing {
		t.Fatalf("channel string = %q, want %q", gotHeader.ChannelString, ChannelPing)
	}
	if !VerifyHeaderSignature(gotHeader) {
		t.Fatalf("signature did not verify after round trip")
	}

	gotMsg, err := UnmarshalMessage(gotPayload)
	if err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if gotMsg.Type != MessageTypePing || gotMsg.Ping == nil {
		t.Fatalf("unexpected decoded message: %+v", gotMsg)
	}
}

func TestOpenRejectsWrongNetwork(t *testing.T) {
	keys := testKeys(t)
	other := testKeys(t)
	other.NetworkHash = [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	var otherKey [32]byte
	copy(otherKey[:], []byte("different-network-key-of-32-byte"))
	var err error
	other, err = DeriveNetworkKeys(otherKey, other.NetworkHash)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	header := testHeader(t, ChannelPing)
	packet, err := Seal(keys, header, []byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, _, err := Open([]NetworkKeys{other}, packet, time.Now(), nil); err == nil {
		t.Fatalf("expected Open to fail against an unrelated network's keys")
	}
}

func outOfWindowHeader(t *testing.T, keys NetworkKeys) []byte {
	t.Helper()
	header := testHeader(t, ChannelPing)
	header.TimestampMs = time.Now().Add(-1 * time.Hour).UnixMilli()

	pub, priv, _ := ed25519.GenerateKey(nil)
	copy(header.PublicKey[:], pub)
	if err := SignHeader(header, priv); err != nil {
		t.Fatalf("SignHeader: %v", err)
	}

	packet, err := Seal(keys, header, []byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return packet
}

func TestOpenRejectsReplayWithoutGuard(t *testing.T) {
	keys := testKeys(t)
	packet := outOfWindowHeader(t, keys)

	if _, _, err := Open([]NetworkKeys{keys}, packet, time.Now(), nil); err != ErrReplayed {
		t.Fatalf("Open error = %v, want ErrReplayed", err)
	}
}

func TestOpenAcceptsOutOfWindowFirstSeenMessageID(t *testing.T) {
	keys := testKeys(t)
	packet := outOfWindowHeader(t, keys)
	guard := NewReplayGuard()

	if _, _, err := Open([]NetworkKeys{keys}, packet, time.Now(), guard); err != nil {
		t.Fatalf("Open with unseen message id = %v, want nil (clock skew, not replay)", err)
	}
}

func TestOpenRejectsReplayOfSameMessageIDWithGuard(t *testing.T) {
	keys := testKeys(t)
	packet := outOfWindowHeader(t, keys)
	guard := NewReplayGuard()
	now := time.Now()

	if _, _, err := Open([]NetworkKeys{keys}, packet, now, guard); err != nil {
		t.Fatalf("first Open = %v, want nil", err)
	}
	if _, _, err := Open([]NetworkKeys{keys}, packet, now, guard); err != ErrReplayed {
		t.Fatalf("second Open of same packet = %v, want ErrReplayed", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	if _, _, err := Open(nil, []byte("short"), time.Now(), nil); err != ErrTruncatedPacket {
		t.Fatalf("Open error = %v, want ErrTruncatedPacket", err)
	}
}

func TestOpenRejectsBadPrefix(t *testing.T) {
	keys := testKeys(t)
	header := testHeader(t, ChannelPing)
	packet, err := Seal(keys, header, []byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	packet[0] = 'X'
	if _, _, err := Open([]NetworkKeys{keys}, packet, time.Now(), nil); err != ErrBadPrefix {
		t.Fatalf("Open error = %v, want ErrBadPrefix", err)
	}
}

func TestHeaderMarshalUnmarshalRoundTrip(t *testing.T) {
	h := &EnvelopeHeader{
		HasRecipient:  true,
		FromPeerID:    "sender0000000000",
		ToPeerID:      "recipient00000000",
		ChannelHash:   ChannelHash(ChannelPeerList),
		ChannelString: ChannelPeerList,
		HopCount:      3,
		TimestampMs:   1700000000000,
		MachineID:     "m1",
	}
	encoded, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(encoded) != HeaderSizeWithRecipient {
		t.Fatalf("encoded len = %d, want %d", len(encoded), HeaderSizeWithRecipient)
	}

	decoded, err := UnmarshalHeader(encoded)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if decoded.FromPeerID != h.FromPeerID || decoded.ToPeerID != h.ToPeerID {
		t.Fatalf("peer ids did not round trip: %+v", decoded)
	}
	if decoded.ChannelString != h.ChannelString || decoded.HopCount != h.HopCount {
		t.Fatalf("fields did not round trip: %+v", decoded)
	}
}

func TestChannelHashStableAndNarrow(t *testing.T) {
	a := ChannelHash("app/foo")
	b := ChannelHash("app/foo")
	if a != b {
		t.Fatalf("ChannelHash not stable: %d != %d", a, b)
	}
	c := ChannelHash("app/bar")
	if a == c {
		t.Logf("collision between app/foo and app/bar is possible but unlikely: both hashed to %d", a)
	}
}

func TestChannelHashEmptyStringIsZero(t *testing.T) {
	if got := ChannelHash(""); got != 0 {
		t.Fatalf("ChannelHash(\"\") = %d, want 0", got)
	}
}

func TestChannelHashNonEmptyNeverZero(t *testing.T) {
	for _, c := range []string{ChannelPing, ChannelPong, ChannelPeerList, "app/foo", "a", "x"} {
		if got := ChannelHash(c); got == 0 {
			t.Fatalf("ChannelHash(%q) = 0, want non-zero", c)
		}
	}
}

func TestChannelTruncation(t *testing.T) {
	long := make([]byte, MaxChannelNameBytes+20)
	for i := range long {
		long[i] = 'a'
	}
	h := ChannelHash(string(long))
	truncated := string(long[:MaxChannelNameBytes])
	if h != ChannelHash(truncated) {
		t.Fatalf("ChannelHash of over-long channel did not match its truncation")
	}
}

func TestSignedAnnouncementRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	a := &SignedAnnouncement{
		PeerID:      "peer00000000",
		Endpoints:   []string{"203.0.113.5:4444"},
		CreatedAtMs: time.Now().UnixMilli(),
	}
	copy(a.PublicKey[:], pub)
	if err := SignAnnouncement(a, priv); err != nil {
		t.Fatalf("SignAnnouncement: %v", err)
	}
	if !VerifyAnnouncement(a) {
		t.Fatalf("VerifyAnnouncement failed on freshly signed announcement")
	}
	a.Endpoints = append(a.Endpoints, "198.51.100.9:4444")
	if VerifyAnnouncement(a) {
		t.Fatalf("VerifyAnnouncement should fail after mutating signed fields")
	}
}
