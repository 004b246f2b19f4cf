package directory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/ratelimit"
	"github.com/omerta-mesh/core/pkg/wire"
)

// API implements the directory's REST surface. All endpoints return JSON.
type API struct {
	store   *Store
	limiter *ratelimit.IPRateLimiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewAPI creates the directory API handler. limiter may be nil to disable
// rate limiting; logger may be nil to use slog.Default().
func NewAPI(store *Store, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{store: store, limiter: limiter, logger: logger, mux: http.NewServeMux()}
	a.registerRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) registerRoutes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("POST /v1/networks/{network_id}/peers", a.rateLimit(a.handleRegister))
	a.mux.HandleFunc("GET /v1/networks/{network_id}/peers", a.handleList)
}

func (a *API) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !a.limiter.Allow(ip) {
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Please retry later.")
				return
			}
		}
		next(w, r)
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "omerta-directory"})
}

// handleRegister accepts a self-signed PeerAnnouncement and stores it under
// the network named by the request path's network_id. The directory never signs or
// mutates the announcement: it rejects anything whose signature doesn't
// verify or whose embedded public key doesn't derive the claimed peer id,
// the same binding check the mesh's own transport performs on every
// inbound envelope.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	networkID := r.PathValue("network_id")

	var ann wire.SignedAnnouncement
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if !wire.VerifyAnnouncement(&ann) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Announcement signature does not verify")
		return
	}
	if identity.DerivePeerID(ann.PublicKey[:]) != identity.PeerID(ann.PeerID) {
		writeError(w, http.StatusUnauthorized, "identity_mismatch", "Public key does not derive the claimed peer id")
		return
	}
	if len(ann.Endpoints) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "announcement has no endpoints")
		return
	}
	age := time.Since(time.UnixMilli(ann.CreatedAtMs))
	if age < 0 || age > DefaultEntryTTL {
		writeError(w, http.StatusBadRequest, "validation_error", "announcement timestamp is outside the accepted window")
		return
	}

	if err := a.store.Register(r.Context(), networkID, ann); err != nil {
		a.logger.Error("directory: register failed", "network", networkID, "peer", ann.PeerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "registered"})
}

// handleList returns every currently registered announcement for a
// network. Callers re-verify each signature before trusting it, the same
// as any other peer-supplied announcement arriving via gossip or ping/pong
// — the directory is a rendezvous point, not a trust anchor.
func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	networkID := r.PathValue("network_id")

	peers, err := a.store.Peers(r.Context(), networkID)
	if err != nil {
		a.logger.Error("directory: list failed", "network", networkID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"type":   fmt.Sprintf("https://omerta.mesh/errors/%s", errType),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	_ = json.NewEncoder(w).Encode(body)
}
