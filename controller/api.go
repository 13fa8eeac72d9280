package controller

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/codeponics/codeponics-pi/controller/modules/doser"
	"github.com/codeponics/codeponics-pi/controller/modules/history"
	"github.com/codeponics/codeponics-pi/controller/settings"
	"github.com/codeponics/codeponics-pi/controller/telemetry"
)

// API is the local REST surface of the module.
type API struct {
	settings *settings.Settings
	loop     *Loop
	doser    *doser.Controller
	history  history.Repository
	metrics  *telemetry.Metrics
}

func NewAPI(s *settings.Settings, loop *Loop, d *doser.Controller, repo history.Repository, m *telemetry.Metrics) *API {
	return &API{settings: s, loop: loop, doser: d, history: repo, metrics: m}
}

// Router registers every endpoint.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", a.getStatus).Methods("GET")
	r.HandleFunc("/api/settings", a.getSettings).Methods("GET")
	r.HandleFunc("/api/health", a.getHealth).Methods("GET")
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	}
	if a.doser != nil {
		a.doser.LoadAPI(r)
	}
	if a.history != nil {
		history.NewAPI(a.history).LoadAPI(r)
	}
	return r
}

// Handler wraps the router with auth, access logging and panic recovery.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.Router()
	h = basicAuth(a.settings.API.User, a.settings.API.PasswordHash, h)
	h = handlers.CombinedLoggingHandler(log.With().Str("component", "api").Logger(), h)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	st := a.loop.Last()
	if st == nil {
		http.Error(w, "no tick completed yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, st)
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.settings)
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	h := telemetry.ReadHealth(r.Context(), healthDir(a.settings.Storage.DBPath))
	writeJSON(w, h)
}

// basicAuth checks credentials against a bcrypt hash. An empty hash disables
// authentication.
func basicAuth(user, hash string, next http.Handler) http.Handler {
	if hash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="codeponics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: encode response")
	}
}
