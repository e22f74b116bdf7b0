package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/galeforge/fulcrum-registry/internal/health"
	"github.com/galeforge/fulcrum-registry/internal/model"
	"github.com/galeforge/fulcrum-registry/internal/shutdown"
)

// adminAPI is the HTTP surface fulcrumctl drives for the operator console
// commands named in spec.md § 6 (`shutdown create|cancel`). It is a thin
// JSON wrapper around shutdown.Manager; no routing algorithm lives here.
type adminAPI struct {
	shutdown *shutdown.Manager
	health   *health.Watchdog
	log      zerolog.Logger
}

type healthStatus struct {
	Status string `json:"status"`
}

// handleHealth exposes the watchdog's UP/DOWN gate from spec § 7's Fatal
// error kind, so an operator or load balancer can tell when the registry
// has stopped accepting new work.
func (a *adminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health.IsDown() {
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "DOWN"})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "UP"})
}

type createShutdownRequest struct {
	Targets          []model.ShutdownTarget `json:"targets"`
	CountdownSeconds int                     `json:"countdownSeconds"`
	Reason           string                  `json:"reason"`
	FallbackFamily   string                  `json:"fallbackFamily"`
	Force            bool                    `json:"force"`
}

type cancelShutdownRequest struct {
	Operator string `json:"operator"`
}

func (a *adminAPI) handleShutdownCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.shutdown.List())
	case http.MethodPost:
		var req createShutdownRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		intent, err := a.shutdown.CreateIntent(r.Context(), req.Targets, req.CountdownSeconds, req.Reason, req.FallbackFamily, req.Force)
		if err != nil {
			a.log.Warn().Err(err).Msg("failed to create shutdown intent")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, intent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *adminAPI) handleShutdownItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/shutdown/")
	id, action, hasAction := strings.Cut(rest, "/")

	switch {
	case r.Method == http.MethodGet && !hasAction:
		intent, ok := a.shutdown.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, intent)
	case r.Method == http.MethodPost && action == "cancel":
		var req cancelShutdownRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := a.shutdown.CancelIntent(r.Context(), id, req.Operator); err != nil {
			a.log.Warn().Err(err).Str("intentId", id).Msg("failed to cancel shutdown intent")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
