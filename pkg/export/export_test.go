package export

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/warpdrive/warptrace/pkg/report"
)

func sampleTable() report.Table {
	return report.Table{
		Title:  report.TableCalls,
		Header: []string{"call", "calls_made"},
		Rows: [][]string{
			{"ReadFile", "12"},
			{"StatObject", "3"},
		},
	}
}

func TestCSVExporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	e, err := NewCSVExporter(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Export(sampleTable()); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "call_data.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "call" || rows[1][0] != "ReadFile" {
		t.Errorf("unexpected CSV content: %v", rows)
	}
}

func TestHTTPExporter(t *testing.T) {
	var got report.Table
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tables" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL)
	if err := e.Export(sampleTable()); err != nil {
		t.Fatal(err)
	}
	if got.Title != report.TableCalls {
		t.Errorf("expected call_data, got %q", got.Title)
	}
	if len(got.Rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(got.Rows))
	}
}

func TestHTTPExporterRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPExporter(srv.URL)
	if err := e.Export(sampleTable()); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestMemoryExporter(t *testing.T) {
	e := NewMemoryExporter()
	if err := e.Export(sampleTable()); err != nil {
		t.Fatal(err)
	}
	if e.Len() != 1 {
		t.Fatalf("expected 1 table, got %d", e.Len())
	}
	if e.Tables()[0].Title != report.TableCalls {
		t.Errorf("unexpected stored table %q", e.Tables()[0].Title)
	}
}

func TestNewSelectsSink(t *testing.T) {
	if _, err := New("stdout", "", ""); err != nil {
		t.Errorf("stdout: %v", err)
	}
	if _, err := New("none", "", ""); err != nil {
		t.Errorf("none: %v", err)
	}
	if _, err := New("csv", t.TempDir(), ""); err != nil {
		t.Errorf("csv: %v", err)
	}
	if _, err := New("bogus", "", ""); err == nil {
		t.Error("expected an error for an unknown sink")
	}
}
