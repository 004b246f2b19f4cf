package directory

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/ratelimit"
	"github.com/omerta-mesh/core/pkg/wire"
)

// testAPI creates an API with a nil store: handlers that validate before
// touching the store can be exercised without a real Redis/Dragonfly.
func testAPI(limiter *ratelimit.IPRateLimiter) *API {
	return NewAPI(nil, limiter, nil)
}

func signedAnnouncement(t *testing.T) wire.SignedAnnouncement {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ann := wire.SignedAnnouncement{
		PeerID:       string(identity.DerivePeerID(pub)),
		Endpoints:    []string{"203.0.113.5:47800"},
		Capabilities: []string{"relay"},
		CreatedAtMs:  time.Now().UnixMilli(),
	}
	copy(ann.PublicKey[:], pub)
	if err := wire.SignAnnouncement(&ann, priv); err != nil {
		t.Fatalf("sign announcement: %v", err)
	}
	return ann
}

func postRegister(a *API, ann wire.SignedAnnouncement) *httptest.ResponseRecorder {
	body, _ := json.Marshal(ann)
	req := httptest.NewRequest(http.MethodPost, "/v1/networks/net1/peers", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.1:1234"
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	a := testAPI(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleRegisterRejectsInvalidSignature(t *testing.T) {
	a := testAPI(nil)
	ann := signedAnnouncement(t)
	ann.Endpoints = []string{"203.0.113.9:47800"} // mutate after signing, invalidates signature

	w := postRegister(a, ann)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusUnauthorized, w.Body.String())
	}
}

func TestHandleRegisterRejectsIdentityMismatch(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ann := wire.SignedAnnouncement{
		PeerID:      string(identity.PeerID("not-the-real-peer-id")),
		Endpoints:   []string{"203.0.113.5:47800"},
		CreatedAtMs: time.Now().UnixMilli(),
	}
	copy(ann.PublicKey[:], pub)
	_ = wire.SignAnnouncement(&ann, priv) // validly signed, so only the peer id binding fails

	a := testAPI(nil)
	w := postRegister(a, ann)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusUnauthorized, w.Body.String())
	}
}

func TestHandleRegisterRejectsNoEndpoints(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ann := wire.SignedAnnouncement{
		PeerID:      string(identity.DerivePeerID(pub)),
		CreatedAtMs: time.Now().UnixMilli(),
	}
	copy(ann.PublicKey[:], pub)
	_ = wire.SignAnnouncement(&ann, priv)

	a := testAPI(nil)
	w := postRegister(a, ann)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRegisterRejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ann := wire.SignedAnnouncement{
		PeerID:      string(identity.DerivePeerID(pub)),
		Endpoints:   []string{"203.0.113.5:47800"},
		CreatedAtMs: time.Now().Add(-2 * DefaultEntryTTL).UnixMilli(),
	}
	copy(ann.PublicKey[:], pub)
	_ = wire.SignAnnouncement(&ann, priv)

	a := testAPI(nil)
	w := postRegister(a, ann)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRegisterRateLimited(t *testing.T) {
	limiter := ratelimit.New(1, 1, 16)
	a := testAPI(limiter)
	ann := signedAnnouncement(t)
	ann.Endpoints = []string{"invalidate-signature"}

	first := postRegister(a, ann)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should not be rate limited")
	}

	second := postRegister(a, ann)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
}
