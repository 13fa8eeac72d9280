package doser

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// LoadAPI registers the doser REST endpoints.
func (c *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api/doser").Subrouter()
	sr.HandleFunc("/state", c.getState).Methods("GET")
	sr.HandleFunc("/dose", c.enqueueDose).Methods("POST")
	sr.HandleFunc("/queue", c.queueList).Methods("GET")
	sr.HandleFunc("/queue/{id}", c.queueCancel).Methods("DELETE")
	sr.HandleFunc("/events", c.eventList).Methods("GET")
	sr.HandleFunc("/log", c.logList).Methods("GET")
}

func (c *Controller) getState(w http.ResponseWriter, r *http.Request) {
	state, remaining := c.StateAt(time.Now())
	resp := struct {
		State     State     `json:"state"`
		LastDose  time.Time `json:"last_dose"`
		Remaining float64   `json:"cooldown_remaining_sec"`
		Pulse     float64   `json:"pulse_sec"`
		Cooldown  float64   `json:"cooldown_sec"`
	}{
		State:     state,
		LastDose:  c.LastDose(),
		Remaining: remaining.Seconds(),
		Pulse:     c.pulse.Seconds(),
		Cooldown:  c.cooldown.Seconds(),
	}
	writeJSON(w, resp)
}

func (c *Controller) enqueueDose(w http.ResponseWriter, r *http.Request) {
	req, err := c.queue.Add("api", time.Now())
	if err != nil {
		if errors.Is(err, ErrAlreadyQueued) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c.appendLog("manual dose enqueued")
	writeJSONStatus(w, http.StatusAccepted, req)
}

func (c *Controller) queueList(w http.ResponseWriter, r *http.Request) {
	reqs, err := c.queue.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, reqs)
}

func (c *Controller) queueCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := c.queue.Cancel(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	c.appendLog("manual dose cancelled")
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) eventList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := c.journal.List(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (c *Controller) logList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.Logs())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("doser api: encode response")
	}
}
