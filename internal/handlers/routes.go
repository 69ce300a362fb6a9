package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, api *API) {
	r.HandleFunc("/healthz", HandleHealth).Methods("GET")

	r.HandleFunc("/session", api.CreateSession).Methods("POST")
	r.HandleFunc("/session/validate", api.ValidateSession).Methods("POST")
	r.HandleFunc("/session/consume-and-transform", api.Transform).Methods("POST")

	r.HandleFunc("/jobs/{id}", api.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", api.CancelJob).Methods("DELETE")

	r.HandleFunc("/admin/cache/evict", api.EvictCache).Methods("POST")
	r.HandleFunc("/admin/cache/invalidate-style", api.InvalidateStyle).Methods("POST")
	r.HandleFunc("/admin/sessions/{id}/revoke", api.RevokeSession).Methods("POST")
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
