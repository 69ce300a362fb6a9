package handlers

import (
	"encoding/json"
	"net/http"
)

type evictResponse struct {
	Evicted int `json:"evicted"`
}

// EvictCache runs an eviction pass immediately, independent of the
// background purger schedule.
func (a *API) EvictCache(w http.ResponseWriter, r *http.Request) {
	evicted, err := a.cache.Evict(r.Context(), a.cfg.CacheMaxAge)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, evictResponse{Evicted: evicted})
}

type invalidateStyleRequest struct {
	StyleID string `json:"style_id"`
}

type invalidateStyleResponse struct {
	Invalidated int64 `json:"invalidated"`
}

// InvalidateStyle soft-deletes all cached results for a style, used after a
// style's instruction changes.
func (a *API) InvalidateStyle(w http.ResponseWriter, r *http.Request) {
	var req invalidateStyleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StyleID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "style_id is required"})
		return
	}

	n, err := a.cache.InvalidateForStyle(r.Context(), req.StyleID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateStyleResponse{Invalidated: n})
}
