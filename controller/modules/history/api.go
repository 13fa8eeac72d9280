package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// API serves the local reading history.
type API struct {
	repo Repository
	now  func() time.Time
}

func NewAPI(repo Repository) *API {
	return &API{repo: repo, now: time.Now}
}

// LoadAPI registers the history endpoints.
func (a *API) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/history").Subrouter()
	sr.HandleFunc("", a.list).Methods("GET")
	sr.HandleFunc("/latest", a.latest).Methods("GET")
}

// list returns records in [from, to); both are RFC3339 and default to the last 24h.
func (a *API) list(w http.ResponseWriter, r *http.Request) {
	end := a.now()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	records, err := a.repo.Range(r.Context(), start, end)
	if errors.Is(err, ErrInvalidRange) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	writeJSON(w, records)
}

func (a *API) latest(w http.ResponseWriter, r *http.Request) {
	rec, err := a.repo.Latest(r.Context())
	if errors.Is(err, ErrRecordNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("history api: encode response")
	}
}
