package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/salonlens/tryon-core/internal/models"
	"github.com/salonlens/tryon-core/internal/queue"
)

type jobResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	ResultURL   string `json:"result_url,omitempty"`
	WasCached   bool   `json:"was_cached"`
	ErrorReason string `json:"error_reason,omitempty"`
	Attempts    int    `json:"attempts"`
}

// GetJob returns job state for polling. Jobs are only visible to the
// session that enqueued them.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.authorizedJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		ResultURL:   job.ResultURL,
		WasCached:   job.WasCached,
		ErrorReason: job.ErrorReason,
		Attempts:    job.Attempts,
	})
}

func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.authorizedJob(w, r)
	if !ok {
		return
	}

	if _, err := a.queue.Cancel(r.Context(), job.ID); err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) authorizedJob(w http.ResponseWriter, r *http.Request) (*models.TransformJob, bool) {
	raw, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "invalid_token", Message: "missing bearer token"})
		return nil, false
	}

	view, err := a.sessions.Authenticate(r.Context(), raw)
	if err != nil {
		writeError(w, a.log, err)
		return nil, false
	}

	job, err := a.queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log, err)
		return nil, false
	}
	if job.SessionID != view.SessionID {
		// Do not reveal that the job exists for someone else.
		writeError(w, a.log, queue.ErrJobNotFound)
		return nil, false
	}
	return job, true
}
