// Package api exposes the engine's control surface: session lifecycle, run
// management and a websocket progress feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ecanizales/campaigner/internal/remote"
	"github.com/ecanizales/campaigner/internal/session"
)

// Handler provides the HTTP endpoints over a Service.
type Handler struct {
	svc Service
	hub *Hub
}

// NewHandler creates the handler.
func NewHandler(svc Service, hub *Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers all control routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/session/start", h.StartSession)
		r.Post("/session/logout", h.Logout)
		r.Get("/status", h.Status)
		r.Post("/runs/send", h.StartSend)
		r.Post("/runs/backup", h.StartBackup)
		r.Get("/runs/{runID}", h.GetRun)
		r.Post("/credentials/rotate", h.RotateCredentials)
	})
	r.Get("/ws/progress", h.hub.ServeHTTP)
}

// StartSession launches the agent's session walk. 202: the gate and device
// pairing wait on a human; poll /api/status.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Agent == "" {
		Error(w, http.StatusBadRequest, "agent is required")
		return
	}

	if err := h.svc.StartSession(r.Context(), req.Agent); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

// Logout tears the session down and wipes the profile.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context()); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Status reports session state and the active run.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.svc.Status())
}

// StartSend kicks off a bulk send run.
func (h *Handler) StartSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Template == "" && len(req.Targets) == 0 {
		Error(w, http.StatusBadRequest, "template is required")
		return
	}

	runID, err := h.svc.StartSend(r.Context(), req)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// StartBackup kicks off a history backup run.
func (h *Handler) StartBackup(w http.ResponseWriter, r *http.Request) {
	runID, err := h.svc.StartBackup(r.Context())
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// GetRun returns one run record with its ledger rows.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, results, err := h.svc.RunRecord(r.Context(), runID)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		Error(w, http.StatusNotFound, "run not found")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"results": results,
	})
}

// RotateCredentials rotates the campaign's passphrases and returns the
// old/new audit mapping.
func (h *Handler) RotateCredentials(w http.ResponseWriter, r *http.Request) {
	changes, err := h.svc.RotateCredentials(r.Context())
	if err != nil {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"rotated": changes})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionStarting),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, ErrRunActive),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrProfileBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNoSession):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoTargets), errors.Is(err, remote.ErrNoAssignment):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
