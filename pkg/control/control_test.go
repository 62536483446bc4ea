package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/warpdrive/warptrace/pkg/analyze"
	"github.com/warpdrive/warptrace/pkg/config"
	"github.com/warpdrive/warptrace/pkg/report"
	"github.com/warpdrive/warptrace/pkg/store"
	"github.com/warpdrive/warptrace/pkg/telemetry"
)

func testReport(created time.Time) *report.Report {
	return &report.Report{
		GeneratedAt: created,
		Summary: report.Summary{
			Events:        50,
			CallsMade:     20,
			CallsReturned: 19,
			Objects:       2,
			Handles:       3,
			Faults:        1,
		},
		Tables: []report.Table{
			{
				Title:  report.TableCalls,
				Header: []string{"scope", "call", "count"},
				Rows:   [][]string{{"kernel", "ReadFile", "8"}},
			},
			{
				Title:  report.TableFaults,
				Header: []string{"kind", "detail"},
				Rows:   [][]string{{"never-returned", "0x3"}},
			},
		},
	}
}

// newTestServer opens a fresh archive, seeds it with n runs, and wires
// a mux the way serve mode does.
func newTestServer(t *testing.T, n int) (*Server, *store.Store, *http.ServeMux) {
	t.Helper()

	archive, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { archive.Close() })

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if _, err := archive.Save(testReport(base.Add(time.Duration(i) * time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer(ServerConfig{}, archive, nil)
	mux := http.NewServeMux()
	srv.RegisterAPIRoutes(mux)
	return srv, archive, mux
}

func TestAPIRunList(t *testing.T) {
	_, _, mux := newTestServer(t, 2)

	req := httptest.NewRequest("GET", "/api/v1/runs", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var views []runView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(views))
	}
	if !views[0].CreatedAt.After(views[1].CreatedAt) {
		t.Errorf("expected newest first, got %v then %v", views[0].CreatedAt, views[1].CreatedAt)
	}
	if views[0].Events != 50 || len(views[0].Tables) != 2 {
		t.Errorf("unexpected view: %+v", views[0])
	}
}

func TestAPIRunGet(t *testing.T) {
	_, archive, mux := newTestServer(t, 1)

	runs, err := archive.List()
	if err != nil {
		t.Fatal(err)
	}
	id := runs[0].ID

	req := httptest.NewRequest("GET", "/api/v1/runs/"+id, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var v runView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.ID != id {
		t.Errorf("expected id %q, got %q", id, v.ID)
	}
	if v.CallsReturned != 19 {
		t.Errorf("expected 19 calls returned, got %d", v.CallsReturned)
	}
}

func TestAPIRunGetNotFound(t *testing.T) {
	_, _, mux := newTestServer(t, 0)

	req := httptest.NewRequest("GET", "/api/v1/runs/20990101-000000.000000000", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != 404 {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAPITableGet(t *testing.T) {
	_, archive, mux := newTestServer(t, 1)

	runs, _ := archive.List()
	id := runs[0].ID

	req := httptest.NewRequest("GET", "/api/v1/runs/"+id+"/tables/"+report.TableCalls, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var tab report.Table
	if err := json.NewDecoder(w.Body).Decode(&tab); err != nil {
		t.Fatal(err)
	}
	if tab.Title != report.TableCalls {
		t.Errorf("expected %q, got %q", report.TableCalls, tab.Title)
	}
	if len(tab.Rows) != 1 || tab.Rows[0][1] != "ReadFile" {
		t.Errorf("unexpected rows: %v", tab.Rows)
	}

	req = httptest.NewRequest("GET", "/api/v1/runs/"+id+"/tables/no_such", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("expected 404 for unknown table, got %d", w.Code)
	}
}

func TestAPIRunDelete(t *testing.T) {
	_, archive, mux := newTestServer(t, 1)

	runs, _ := archive.List()
	id := runs[0].ID

	req := httptest.NewRequest("DELETE", "/api/v1/runs/"+id, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200 on delete, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/runs/"+id, nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/v1/runs/"+id, nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("expected 404 on double delete, got %d", w.Code)
	}
}

func TestAPIAnalyzeUnavailable(t *testing.T) {
	_, _, mux := newTestServer(t, 0)

	req := httptest.NewRequest("POST", "/api/v1/analyze", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without an analyzer, got %d", w.Code)
	}
}

func TestAPIAnalyze(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		fmt.Sprintf(`{"timestamp":{"seconds":100,"nanos":0},"severity":"TRACE","message":%s}`,
			strconv.Quote(`store: Req 0x1: <- StatObject("a.bin")`)),
		fmt.Sprintf(`{"timestamp":{"seconds":101,"nanos":0},"severity":"TRACE","message":%s}`,
			strconv.Quote(`store: Req 0x1: -> StatObject("a.bin") (1ms): OK`)),
	}
	log := filepath.Join(dir, "trace.log")
	if err := os.WriteFile(log, []byte(lines[0]+"\n"+lines[1]+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		LogKind:        "proxy-trace",
		RecordEncoding: "structured",
		Workdir:        t.TempDir(),
		Sources:        []string{log},
		Analysis: config.AnalysisConfig{
			TopK:         5,
			MaxRunLength: 500,
			FaultLogSize: 100,
		},
		Export: config.ExportConfig{Sink: "none"},
	}
	a, err := analyze.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	archive, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()
	a.SetArchive(archive)

	srv := NewServer(ServerConfig{}, archive, a)
	mux := http.NewServeMux()
	srv.RegisterAPIRoutes(mux)

	req := httptest.NewRequest("POST", "/api/v1/analyze", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp analyzeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Summary.Events != 2 {
		t.Errorf("expected 2 events, got %d", resp.Summary.Events)
	}
	if resp.Run == nil || resp.Run.ID == "" {
		t.Fatalf("expected an archived run in the response, got %+v", resp)
	}

	runs, err := archive.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 archived run, got %d", len(runs))
	}
}

func TestServerRun(t *testing.T) {
	archive, err := store.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()

	srv := NewServer(ServerConfig{Addr: ":0"}, archive, nil)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Give the server time to start.
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error from Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestServerSetAddr(t *testing.T) {
	srv := NewServer(ServerConfig{}, nil, nil)
	srv.SetAddr(":9999")

	if srv.cfg.Addr != ":9999" {
		t.Errorf("expected :9999, got %s", srv.cfg.Addr)
	}
}

func postEvents(t *testing.T, mux *http.ServeMux, events []telemetry.RunEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(events)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/v1/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAPIIngestAndEvents(t *testing.T) {
	_, _, mux := newTestServer(t, 0)

	w := postEvents(t, mux, []telemetry.RunEvent{
		{Kind: telemetry.EventRunStarted, Sources: 2},
		{Kind: telemetry.EventSourceScanned, Source: "/logs/a.log", Records: 40},
		{Kind: telemetry.EventRunCompleted, Events: 40},
	})
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var accepted map[string]int
	if err := json.NewDecoder(w.Body).Decode(&accepted); err != nil {
		t.Fatal(err)
	}
	if accepted["accepted"] != 3 {
		t.Errorf("expected 3 accepted, got %d", accepted["accepted"])
	}

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var events []telemetry.RunEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != telemetry.EventRunStarted || events[2].Kind != telemetry.EventRunCompleted {
		t.Errorf("expected oldest-first order, got %s ... %s", events[0].Kind, events[2].Kind)
	}

	req = httptest.NewRequest("GET", "/api/v1/events?limit=1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	events = nil
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != telemetry.EventRunCompleted {
		t.Errorf("expected only the newest event, got %+v", events)
	}
}

func TestAPIIngestMalformed(t *testing.T) {
	_, _, mux := newTestServer(t, 0)

	req := httptest.NewRequest("POST", "/api/v1/ingest", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed batch, got %d", w.Code)
	}
}

func TestIngestRingTrims(t *testing.T) {
	srv, _, mux := newTestServer(t, 0)

	batch := make([]telemetry.RunEvent, ingestRingSize+5)
	for i := range batch {
		batch[i] = telemetry.RunEvent{Kind: telemetry.EventFaultObserved, Source: strconv.Itoa(i)}
	}
	if w := postEvents(t, mux, batch); w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	srv.ingestMu.Lock()
	defer srv.ingestMu.Unlock()
	if len(srv.ingested) != ingestRingSize {
		t.Fatalf("expected ring trimmed to %d, got %d", ingestRingSize, len(srv.ingested))
	}
	if srv.ingested[0].Source != "5" {
		t.Errorf("expected oldest events dropped, ring starts at %s", srv.ingested[0].Source)
	}
}
