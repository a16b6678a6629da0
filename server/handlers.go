package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/onnwee/streamfarm/telemetry"
)

type handlers struct {
	deps Deps
}

type captureView struct {
	ID       string    `json:"id"`
	Identity string    `json:"identity"`
	Instance string    `json:"instance_id"`
	Started  time.Time `json:"started_at"`
	Elapsed  string    `json:"elapsed"`
}

type claimView struct {
	Identity string    `json:"identity"`
	Since    time.Time `json:"since"`
	Age      string    `json:"age"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthz is liveness only: the process answers.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz checks that the claims directory is readable and, when configured, the database.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"claims", func() error { _, err := h.deps.Claims.List(); return err }},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) captures(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Captures.Snapshot()
	now := time.Now()
	out := make([]captureView, 0, len(snap))
	for _, c := range snap {
		out = append(out, captureView{
			ID:       c.ID,
			Identity: c.Identity,
			Instance: c.InstanceID,
			Started:  c.Started,
			Elapsed:  now.Sub(c.Started).Round(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "captures": out})
}

func (h *handlers) claims(w http.ResponseWriter, r *http.Request) {
	infos, err := h.deps.Claims.List()
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list claims failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "list claims failed", http.StatusInternalServerError)
		return
	}
	out := make([]claimView, 0, len(infos))
	for _, in := range infos {
		out = append(out, claimView{Identity: in.Identity, Since: in.Since, Age: humanize.Time(in.Since)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "claims": out})
}

func (h *handlers) catalog(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		http.Error(w, "catalog disabled (no database configured)", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.deps.Catalog.Recent(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("catalog query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "catalog query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "captures": recs})
}

func (h *handlers) stopCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.deps.Captures.StopCapture(id) {
		http.Error(w, "no running capture "+id, http.StatusNotFound)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("capture stop requested", slog.String("capture_id", id), slog.String("component", "http"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "id": id})
}
