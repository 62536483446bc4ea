package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/warpdrive/warptrace/pkg/report"
	"github.com/warpdrive/warptrace/pkg/store"
	"github.com/warpdrive/warptrace/pkg/telemetry"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runs", s.handleRunList)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/tables/{table}", s.handleTableGet)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", s.handleRunDelete)
	mux.HandleFunc("POST /api/v1/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// runView is the API shape of an archived run. The archive's own JSON
// tags are storage-compact; the API spells fields out.
type runView struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Events        uint64    `json:"events"`
	CallsMade     uint64    `json:"calls_made"`
	CallsReturned uint64    `json:"calls_returned"`
	Errors        uint64    `json:"errors"`
	Objects       int       `json:"objects"`
	Handles       int       `json:"handles"`
	Faults        uint64    `json:"faults"`
	Tables        []string  `json:"tables"`
}

func viewOf(m store.RunMeta) runView {
	return runView{
		ID:            m.ID,
		CreatedAt:     m.CreatedAt,
		Events:        m.Events,
		CallsMade:     m.CallsMade,
		CallsReturned: m.CallsReturned,
		Errors:        m.Errors,
		Objects:       m.Objects,
		Handles:       m.Handles,
		Faults:        m.Faults,
		Tables:        m.Tables,
	}
}

// GET /api/v1/runs
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.archive.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, m := range runs {
		views = append(views, viewOf(m))
	}
	writeJSON(w, views)
}

// GET /api/v1/runs/{id}
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.archive.Get(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, viewOf(m))
}

// GET /api/v1/runs/{id}/tables/{table}
func (s *Server) handleTableGet(w http.ResponseWriter, r *http.Request) {
	tab, err := s.archive.GetTable(r.PathValue("id"), r.PathValue("table"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "table not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tab)
}

// DELETE /api/v1/runs/{id}
func (s *Server) handleRunDelete(w http.ResponseWriter, r *http.Request) {
	err := s.archive.Delete(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// analyzeResponse reports a server-side pipeline run.
type analyzeResponse struct {
	Run      *runView       `json:"run,omitempty"`
	Summary  report.Summary `json:"summary"`
	Sources  int            `json:"sources"`
	Duration string         `json:"duration"`
}

// POST /api/v1/analyze — runs the configured pipeline server-side.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		http.Error(w, "analysis is not configured on this server", http.StatusServiceUnavailable)
		return
	}
	if !s.analyzeMu.TryLock() {
		http.Error(w, "an analysis is already running", http.StatusConflict)
		return
	}
	defer s.analyzeMu.Unlock()

	res, err := s.analyzer.Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := analyzeResponse{
		Summary:  res.Report.Summary,
		Sources:  res.Stats.Sources,
		Duration: res.Stats.Duration.String(),
	}
	if res.Archived.ID != "" {
		v := viewOf(res.Archived)
		resp.Run = &v
	}
	writeJSON(w, resp)
}

// POST /api/v1/ingest — accepts a telemetry batch from a remote
// analyzer's http sink.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var events []telemetry.RunEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, "malformed event batch: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.ingestMu.Lock()
	s.ingested = append(s.ingested, events...)
	if over := len(s.ingested) - ingestRingSize; over > 0 {
		s.ingested = s.ingested[over:]
	}
	s.ingestMu.Unlock()

	writeJSON(w, map[string]int{"accepted": len(events)})
}

// GET /api/v1/events — returns the most recent ingested telemetry,
// oldest first. ?limit=N caps the count.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := ingestRingSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	s.ingestMu.Lock()
	events := s.ingested
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]telemetry.RunEvent, len(events))
	copy(out, events)
	s.ingestMu.Unlock()

	writeJSON(w, out)
}

// ─── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
