package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/session"
)

type createSessionRequest struct {
	SalonID string `json:"salon_id"`
}

type createSessionResponse struct {
	Token           string    `json:"token"`
	MaxUses         int       `json:"max_uses"`
	DurationMinutes int       `json:"duration_minutes"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "malformed request body"})
			return
		}
	}

	created, err := a.sessions.Create(r.Context(), owner.Scope{SalonID: req.SalonID}, session.Fingerprint{
		ClientIP:  getClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Token:           created.Token,
		MaxUses:         created.MaxUses,
		DurationMinutes: int(created.Duration.Minutes()),
		ExpiresAt:       created.ExpiresAt,
	})
}

type validateSessionResponse struct {
	Remaining            int `json:"remaining"`
	TimeRemainingSeconds int `json:"time_remaining_seconds"`
}

func (a *API) ValidateSession(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "invalid_token", Message: "missing bearer token"})
		return
	}

	view, err := a.sessions.Validate(r.Context(), raw)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	writeJSON(w, http.StatusOK, validateSessionResponse{
		Remaining:            view.Remaining,
		TimeRemainingSeconds: int(view.TimeRemaining.Seconds()),
	})
}

func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.sessions.Revoke(r.Context(), id); err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(h[len("bearer "):])
	return raw, raw != ""
}
