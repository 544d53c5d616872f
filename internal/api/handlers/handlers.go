// Package handlers implements the HTTP handlers for the control plane API.
// All handlers depend on the Store interface plus the Run Coordinator and
// Gate Engine; nothing here touches driver internals.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/coordinator"
	"github.com/runforge/controlplane/internal/coreerr"
	"github.com/runforge/controlplane/internal/events"
	"github.com/runforge/controlplane/internal/gate"
	"github.com/runforge/controlplane/internal/queue"
	"github.com/runforge/controlplane/internal/store"
	pkgmw "github.com/runforge/controlplane/pkg/middleware"
	"github.com/runforge/controlplane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Gates       *gate.Engine
	Queue       queue.Driver
	Hub         *events.Hub
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, c *coordinator.Coordinator, g *gate.Engine, q queue.Driver, hub *events.Hub) *Handlers {
	return &Handlers{Store: s, Coordinator: c, Gates: g, Queue: q, Hub: hub}
}

// ══════════════════════════════════════════════════════════════
// ── Run Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// CreateRun accepts a Plan document and submits it as a new Run. The run
// is returned immediately; downstream execution failures surface through
// the run's status and event timeline, not through this response.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "invalid plan document")
		return
	}

	projectID := r.Header.Get("X-Project-Id")
	if projectID == "" {
		projectID = "default"
	}

	run, err := h.Coordinator.Submit(r.Context(), plan, projectID)
	if err != nil {
		respondErrorFor(w, err)
		return
	}

	log.Info().Str("run", run.ID).Str("project", projectID).Int("steps", len(plan.Steps)).Msg("Run submitted")
	respondJSON(w, http.StatusCreated, run)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.Coordinator.Cancel(r.Context(), runID); err != nil {
		respondErrorFor(w, err)
		return
	}
	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.Store.ListStepsByRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	if steps == nil {
		steps = []models.Step{}
	}
	respondJSON(w, http.StatusOK, steps)
}

// ══════════════════════════════════════════════════════════════
// ── Event / Timeline Handlers ────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	since := int64(queryInt(r, "since", 0))
	evs, err := h.Store.ListEvents(r.Context(), runID, since)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	if evs == nil {
		evs = []models.Event{}
	}
	respondJSON(w, http.StatusOK, evs)
}

// StreamEvents serves the run's timeline as Server-Sent Events: it first
// replays everything after ?since=, then relays live events from the Hub
// until the client disconnects.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		respondErrorFor(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before the replay so no event falls between the two.
	ch := h.Hub.Subscribe(runID)
	defer h.Hub.Unsubscribe(runID, ch)

	since := int64(queryInt(r, "since", 0))
	replay, err := h.Store.ListEvents(r.Context(), runID, since)
	if err == nil {
		for _, ev := range replay {
			writeSSE(w, ev)
			since = ev.Sequence
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.Sequence <= since {
				continue // already replayed
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + ev.Type + "\ndata: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

// Rollback truncates the run's timeline to the requested sequence.
func (h *Handlers) Rollback(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	var req struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Sequence < 0 {
		respondError(w, http.StatusBadRequest, "sequence must be non-negative")
		return
	}

	run, evs, err := h.Store.Rollback(r.Context(), runID, req.Sequence)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	log.Info().Str("run", runID).Int64("sequence", req.Sequence).Msg("Run timeline rolled back")
	respondJSON(w, http.StatusOK, map[string]interface{}{"run": run, "events": evs})
}

// Snapshot returns run metadata plus the events with seq <= ?at=.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	at := int64(queryInt(r, "at", 0))
	run, evs, err := h.Store.SnapshotAt(r.Context(), runID, at)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"run": run, "events": evs})
}

// ══════════════════════════════════════════════════════════════
// ── Gate Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := h.Store.ListGatesByRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	if gates == nil {
		gates = []models.Gate{}
	}
	respondJSON(w, http.StatusOK, gates)
}

type gateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ApproveGate resolves a pending gate to passed. The admin capability is
// enforced here at the transport boundary; the core only records the actor.
func (h *Handlers) ApproveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, h.Gates.Approve)
}

// WaiveGate resolves a pending gate to waived, same authorization as approve.
func (h *Handlers) WaiveGate(w http.ResponseWriter, r *http.Request) {
	h.resolveGate(w, r, h.Gates.Waive)
}

// FailGate resolves a pending gate to failed, e.g. from an automated check.
func (h *Handlers) FailGate(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateId")
	var req gateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	g, err := h.Gates.Fail(r.Context(), gateID, req.Reason)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

// resolveGate factors the shared approve/waive flow: admin capability
// check, actor extraction from the authenticated Identity, resolution.
func (h *Handlers) resolveGate(w http.ResponseWriter, r *http.Request, resolve func(ctx context.Context, gateID, actor, reason string) (*models.Gate, error)) {
	actor := "anonymous"
	if identity := pkgmw.GetIdentity(r.Context()); identity != nil {
		if identity.Role != "admin" {
			respondError(w, http.StatusForbidden, "gate resolution requires the admin role")
			return
		}
		actor = identity.Subject
	}

	var req gateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	g, err := resolve(r.Context(), chi.URLParam(r, "gateId"), actor, req.Reason)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	log.Info().Str("gate", g.ID).Str("run", g.RunID).Str("status", string(g.Status)).Str("actor", actor).Msg("Gate resolved")
	respondJSON(w, http.StatusOK, g)
}

// ══════════════════════════════════════════════════════════════
// ── Queue Admin Handlers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListDlq returns the raw payloads parked in a topic's DLQ.
func (h *Handlers) ListDlq(w http.ResponseWriter, r *http.Request) {
	payloads, err := h.Queue.ListDlq(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	out := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		out[i] = p
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"count": len(out), "payloads": out})
}

// RehydrateDlq re-enqueues up to ?max= DLQ payloads back onto their topic.
func (h *Handlers) RehydrateDlq(w http.ResponseWriter, r *http.Request) {
	max := queryInt(r, "max", 100)
	moved, err := h.Queue.RehydrateDlq(r.Context(), chi.URLParam(r, "topic"), max)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"rehydrated": moved})
}

// QueueStats reports depth-by-state and oldest-age telemetry for a topic.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	counts, err := h.Queue.Counts(r.Context(), topic)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	age, err := h.Queue.OldestAgeMs(r.Context(), topic)
	if err != nil {
		respondErrorFor(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"counts": counts, "oldestAgeMs": age})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErrorFor maps the coreerr taxonomy onto HTTP status codes.
func respondErrorFor(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch coreerr.ClassOf(err) {
	case coreerr.InvalidPlan, coreerr.InvalidTransition:
		status = http.StatusBadRequest
	case coreerr.NotFound:
		status = http.StatusNotFound
	case coreerr.AlreadyExists:
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]string{
		"error":          err.Error(),
		"classification": string(coreerr.ClassOf(err)),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
