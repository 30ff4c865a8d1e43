package proxy

import (
	"net/http"
	"time"
)

// SessionStatus is the body of GET /_session.
type SessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	Subject       string     `json:"subject,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (p *Proxy) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := SessionStatus{Authenticated: p.client.IsAuthenticated(ctx)}
	if status.Authenticated {
		if claims, err := p.client.Claims(ctx); err == nil {
			status.Subject = claims.Subject
			status.ExpiresAt = &claims.Expiry
		}
	}

	writeJSON(ctx, w, status, http.StatusOK)
}

func (p *Proxy) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	if err := p.client.ClearSession(r.Context()); err != nil {
		writeJSONError(r.Context(), w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
