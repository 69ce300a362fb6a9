package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/salonlens/tryon-core/internal/owner"
	"github.com/salonlens/tryon-core/internal/provider"
	"github.com/salonlens/tryon-core/internal/queue"
	"github.com/salonlens/tryon-core/internal/session"
	"github.com/salonlens/tryon-core/internal/tryon"
	"github.com/sirupsen/logrus"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a failure to its HTTP status and stable machine code.
// Admission failures keep their specific code so the client UI can
// distinguish "buy more credits" from "session timed out" from "salon
// inactive"; internal failures surface as a generic retry message.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, session.ErrInvalid):
		return http.StatusUnauthorized, "invalid_token", "session token is invalid"
	case errors.Is(err, session.ErrExpired):
		return http.StatusUnauthorized, "session_expired", "session has expired, start a new one"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found", "session does not exist"
	case errors.Is(err, session.ErrOwnerInactive), errors.Is(err, owner.ErrInactive):
		return http.StatusForbidden, "owner_inactive", "this salon's subscription is not active"
	case errors.Is(err, session.ErrUsesExhausted):
		return http.StatusForbidden, "uses_exhausted", "no uses remaining in this session"
	case errors.Is(err, owner.ErrNotFound):
		return http.StatusNotFound, "owner_not_found", "salon not found"
	case errors.Is(err, tryon.ErrStyleNotFound):
		return http.StatusNotFound, "style_not_found", "style not found"
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found", "job not found"
	case errors.Is(err, queue.ErrJobFinished):
		return http.StatusConflict, "job_finished", "job already finished"
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests, "provider_rate_limited", "generation is busy, try again shortly"
	case errors.Is(err, provider.ErrContentRejected):
		return http.StatusUnprocessableEntity, "content_rejected", "the image could not be processed"
	default:
		return http.StatusInternalServerError, "internal_error", "something went wrong, try again"
	}
}
