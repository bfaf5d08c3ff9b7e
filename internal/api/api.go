// Package api serves the operator control surface: lead and knowledge
// listings, call start/stop, the live call snapshot and the most recent
// post-call report.
//
// All responses are JSON. Errors use a single envelope:
//
//	{"error": {"code": "session_active", "message": "...", "request_id": "..."}}
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/callwright/internal/analysis"
	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/internal/session"
	"github.com/MrWong99/callwright/internal/store"
	"github.com/MrWong99/callwright/pkg/audio/capture"
	"github.com/MrWong99/callwright/pkg/provider/s2s"
)

// maxBodyBytes bounds request bodies. The only body the API accepts is a
// lead ID.
const maxBodyBytes = 4 << 10

// Dataset is the lead and knowledge repository.
type Dataset interface {
	Leads() []lead.Lead
	Lead(id string) (lead.Lead, error)
	Knowledge() []knowledge.Snippet
	Reset(ctx context.Context) error
}

// Calls is the session engine.
type Calls interface {
	Start(ctx context.Context, leadID string) error
	EndCall(ctx context.Context) error
	State() session.State
	Snapshot() session.Snapshot
	LastReport() (analysis.Report, bool)
}

var (
	_ Dataset = (*store.Repository)(nil)
	_ Calls   = (*session.Engine)(nil)
)

// Handler serves the control routes.
type Handler struct {
	data  Dataset
	calls Calls
}

// New creates a [Handler].
func New(data Dataset, calls Calls) *Handler {
	return &Handler{data: data, calls: calls}
}

// Register adds the control routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /leads", h.listLeads)
	mux.HandleFunc("GET /leads/{id}", h.getLead)
	mux.HandleFunc("GET /knowledge", h.listKnowledge)
	mux.HandleFunc("POST /calls", h.startCall)
	mux.HandleFunc("POST /calls/end", h.endCall)
	mux.HandleFunc("GET /calls/current", h.currentCall)
	mux.HandleFunc("GET /calls/last-report", h.lastReport)
	mux.HandleFunc("POST /reset", h.reset)
}

// ── Leads & knowledge ────────────────────────────────────────────────────────

func (h *Handler) listLeads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.data.Leads())
}

func (h *Handler) getLead(w http.ResponseWriter, r *http.Request) {
	l, err := h.data.Lead(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) listKnowledge(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.data.Knowledge())
}

// reset regenerates the default dataset. Refused while a call is running so
// the live lead cannot vanish underneath the engine.
func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if h.calls.State().Busy() {
		writeError(w, r, session.ErrSessionActive)
		return
	}
	if err := h.data.Reset(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("dataset reset")
	writeJSON(w, http.StatusOK, map[string]int{
		"leads":     len(h.data.Leads()),
		"knowledge": len(h.data.Knowledge()),
	})
}

// ── Calls ────────────────────────────────────────────────────────────────────

type startRequest struct {
	LeadID string `json:"lead_id"`
}

// startCall blocks until the remote session is connected, then answers 202
// with the live snapshot. The call itself outlives the request.
func (h *Handler) startCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorStatus(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.LeadID == "" {
		writeErrorStatus(w, r, http.StatusBadRequest, "invalid_request", "lead_id is required")
		return
	}

	if err := h.calls.Start(r.Context(), req.LeadID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.calls.Snapshot())
}

func (h *Handler) endCall(w http.ResponseWriter, r *http.Request) {
	if err := h.calls.EndCall(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

func (h *Handler) currentCall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.calls.Snapshot())
}

func (h *Handler) lastReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.calls.LastReport()
	if !ok {
		writeErrorStatus(w, r, http.StatusNotFound, "not_found", "no call has been analysed yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ── Responses ────────────────────────────────────────────────────────────────

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusForError maps domain errors onto HTTP status codes and stable error
// codes. Anything unrecognised is a 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrLeadNotFound):
		return http.StatusNotFound, "lead_not_found"
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, session.ErrNoActiveCall):
		return http.StatusConflict, "no_active_call"
	case errors.Is(err, session.ErrCallEnded):
		return http.StatusConflict, "call_ended"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, s2s.ErrTransport):
		return http.StatusBadGateway, "transport_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		observe.Logger(r.Context()).Debug("request rejected", "path", r.URL.Path, "code", code, "err", err)
	}
	writeErrorStatus(w, r, status, code, err.Error())
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      code,
		Message:   msg,
		RequestID: observe.CorrelationID(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
