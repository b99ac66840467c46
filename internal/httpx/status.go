package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/api"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/perf"
)

// Status serves the engine's read-only views. Nil sources answer with
// empty documents.
type Status struct {
	Control  api.Control
	Stats    *perf.Store
	Latency  *metrics.LatencyTracker
	Activity *activity.Log
}

func (s *Status) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /stats", s.handleStats)
}

func (s *Status) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deviceView struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	EWMAms    float64 `json:"ewma_ms"`
	Completed uint64  `json:"completed"`
	Failed    uint64  `json:"failed"`
}

func (s *Status) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.Control == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no control"})
		return
	}
	rep, err := s.Control.ComputeDevices(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	views := make([]deviceView, 0, len(rep.Devices))
	for _, d := range rep.Devices {
		v := deviceView{ID: d.ID, Name: d.Name}
		if s.Latency != nil {
			if l, ok := s.Latency.Get(d.ID); ok {
				v.EWMAms, v.Completed, v.Failed = l.EWMAms, l.OK, l.Error
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    rep.Mode,
		"reduced": rep.Reduced,
		"devices": views,
	})
}

// handleActivity lists events newest first. ?type= filters and ?limit=
// caps the list.
func (s *Status) handleActivity(w http.ResponseWriter, r *http.Request) {
	var events []activity.Event
	if t := r.URL.Query().Get("type"); t != "" {
		events = s.Activity.Filter(activity.EventType(t))
	} else {
		events = s.Activity.List()
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(events) {
		events = events[:n]
	}
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type toolView struct {
	Key string `json:"key"`
	perf.ToolStats
	ReuseRate float64 `json:"reuse_rate"`
	ErrorRate float64 `json:"error_rate"`
}

func (s *Status) handleStats(w http.ResponseWriter, r *http.Request) {
	out := []toolView{}
	if s.Stats != nil {
		for _, k := range s.Stats.Keys() {
			st, ok := s.Stats.Snapshot(k)
			if !ok {
				continue
			}
			out = append(out, toolView{Key: k, ToolStats: st, ReuseRate: perf.ReuseRate(st), ErrorRate: perf.ErrorRate(st)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
