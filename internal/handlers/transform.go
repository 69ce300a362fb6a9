package handlers

import (
	"io"
	"net/http"

	"github.com/salonlens/tryon-core/internal/tryon"
)

type transformResponse struct {
	ResultURL string `json:"result_url"`
	WasCached bool   `json:"was_cached"`
	Remaining int    `json:"remaining"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Transform is the consume-and-transform entry point. The default path runs
// the generation synchronously; mode=async enqueues a job instead and
// returns 202 with its id.
func (a *API) Transform(w http.ResponseWriter, r *http.Request) {
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

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "expected multipart form with an image"})
		return
	}

	styleID := r.FormValue("style_id")
	if styleID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "style_id is required"})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "image file is required"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "could not read image"})
		return
	}
	if len(image) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "image is empty"})
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if r.URL.Query().Get("mode") == "async" {
		job, err := a.queue.Enqueue(r.Context(), view.SessionID, styleID, image, mimeType)
		if err != nil {
			writeError(w, a.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.Status})
		return
	}

	result, err := a.service.Transform(r.Context(), tryon.Request{
		SessionID: view.SessionID,
		Image:     image,
		MimeType:  mimeType,
		StyleID:   styleID,
	}, nil)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	writeJSON(w, http.StatusOK, transformResponse{
		ResultURL: result.ResultURL,
		WasCached: result.WasCached,
		Remaining: result.Remaining,
	})
}
