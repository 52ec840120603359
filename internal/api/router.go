// Package api serves the driver's HTTP surface: health, status, relay and
// driver control, ledger history and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/engine"
	"github.com/dokzlo13/shellyd/internal/ledger"
	"github.com/dokzlo13/shellyd/internal/meter"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
	maxBodySize       = 4 << 10
)

// Driver is the controllable relay driver.
type Driver interface {
	Snapshot() meter.Snapshot
	Request(on bool) error
	SetEnabled(enabled bool) error
}

// EventSource lists recent ledger entries.
type EventSource interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

type handler struct {
	driver Driver
	events EventSource
}

// Options holds the optional parts of the router. Nil fields leave their
// routes unregistered.
type Options struct {
	Events  EventSource
	Metrics http.Handler
	Stream  http.Handler
}

// NewRouter builds the router.
func NewRouter(driver Driver, opts Options) *mux.Router {
	events, metrics := opts.Events, opts.Metrics
	h := &handler{driver: driver, events: events}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/relay", h.setRelay).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/driver", h.setDriver).Methods(http.MethodPut, http.MethodPost)
	if events != nil {
		r.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	if opts.Stream != nil {
		r.Handle("/stream", opts.Stream).Methods(http.MethodGet)
	}
	r.Use(logRequests)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ready reports 200 only while the driver is enabled and the last exchange
// with the device succeeded.
func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	snap := h.driver.Snapshot()

	switch {
	case !snap.Enabled:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disabled"})
	case snap.UpdatedAt.IsZero():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	case snap.CommunicationFailed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "communication_failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type statusResponse struct {
	meter.Snapshot
	Debug string `json:"debug"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap := h.driver.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{Snapshot: snap, Debug: snap.DebugLog()})
}

type relayRequest struct {
	On *bool `json:"on"`
}

func (h *handler) setRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeBody(w, r, &req); err != nil || req.On == nil {
		writeError(w, http.StatusBadRequest, `body must be {"on": true|false}`)
		return
	}

	if err := h.driver.Request(*req.On); err != nil {
		if errors.Is(err, engine.ErrDisabled) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"on": *req.On})
}

type driverRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *handler) setDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decodeBody(w, r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	if err := h.driver.SetEnabled(*req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	entries, err := h.events.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger")
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Trace().Str("method", r.Method).Str("path", r.URL.Path).Msg("HTTP request")
		next.ServeHTTP(w, r)
	})
}
