// Package export ships result tables to their destination. Every sink
// implements the same two-method interface; the analyzer never knows
// where tables end up.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warpdrive/warptrace/pkg/report"
)

// Exporter receives result tables one at a time.
type Exporter interface {
	Export(table report.Table) error
	Close() error
}

// New builds an exporter from a sink name. dir applies to "csv", addr
// to "http".
func New(sink, dir, addr string) (Exporter, error) {
	switch sink {
	case "csv":
		return NewCSVExporter(dir)
	case "stdout":
		return NewStdoutExporter(), nil
	case "http":
		return NewHTTPExporter(addr), nil
	case "none":
		return NewNopExporter(), nil
	}
	return nil, fmt.Errorf("export.New: unknown sink %q", sink)
}

// CSVExporter writes each table to <dir>/<title>.csv.
type CSVExporter struct {
	dir string
}

// NewCSVExporter creates the output directory if needed.
func NewCSVExporter(dir string) (*CSVExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export.NewCSVExporter: %w", err)
	}
	return &CSVExporter{dir: dir}, nil
}

// Export writes one table as a CSV file, header first.
func (e *CSVExporter) Export(table report.Table) error {
	path := filepath.Join(e.dir, table.Title+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export.CSVExporter: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(table.Header); err != nil {
		f.Close()
		return fmt.Errorf("export.CSVExporter: %w", err)
	}
	if err := w.WriteAll(table.Rows); err != nil {
		f.Close()
		return fmt.Errorf("export.CSVExporter: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("export.CSVExporter: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export.CSVExporter: %w", err)
	}
	return nil
}

// Close is a no-op; files are closed per table.
func (e *CSVExporter) Close() error {
	return nil
}

// StdoutExporter writes tables as CSV blocks to stdout, each preceded
// by a "# title" line, so output stays pipe-friendly.
type StdoutExporter struct {
	mu sync.Mutex
}

// NewStdoutExporter creates a stdout exporter.
func NewStdoutExporter() *StdoutExporter {
	return &StdoutExporter{}
}

// Export writes one table to stdout.
func (e *StdoutExporter) Export(table report.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Printf("# %s\n", table.Title)
	w := csv.NewWriter(os.Stdout)
	if err := w.Write(table.Header); err != nil {
		return fmt.Errorf("export.StdoutExporter: %w", err)
	}
	if err := w.WriteAll(table.Rows); err != nil {
		return fmt.Errorf("export.StdoutExporter: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export.StdoutExporter: %w", err)
	}
	fmt.Println()
	return nil
}

// Close is a no-op for stdout.
func (e *StdoutExporter) Close() error {
	return nil
}

// HTTPExporter POSTs tables as JSON to a collector endpoint.
type HTTPExporter struct {
	addr   string
	client *http.Client
}

// NewHTTPExporter creates an exporter that POSTs to addr.
func NewHTTPExporter(addr string) *HTTPExporter {
	return &HTTPExporter{
		addr: addr,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Export sends one table to the collector via HTTP POST /api/v1/tables.
func (e *HTTPExporter) Export(table report.Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("export.HTTPExporter: marshal: %w", err)
	}

	url := e.addr + "/api/v1/tables"
	resp, err := e.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("export.HTTPExporter: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("export.HTTPExporter: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for HTTP.
func (e *HTTPExporter) Close() error {
	return nil
}

// NopExporter discards all tables.
type NopExporter struct{}

// NewNopExporter creates a no-op exporter.
func NewNopExporter() *NopExporter {
	return &NopExporter{}
}

// Export discards the table.
func (e *NopExporter) Export(table report.Table) error {
	return nil
}

// Close is a no-op.
func (e *NopExporter) Close() error {
	return nil
}

// MemoryExporter stores tables in memory (for testing).
type MemoryExporter struct {
	mu     sync.Mutex
	tables []report.Table
}

// NewMemoryExporter creates a memory-backed exporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// Export stores the table.
func (e *MemoryExporter) Export(table report.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = append(e.tables, table)
	return nil
}

// Close is a no-op.
func (e *MemoryExporter) Close() error {
	return nil
}

// Tables returns all stored tables.
func (e *MemoryExporter) Tables() []report.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]report.Table, len(e.tables))
	copy(out, e.tables)
	return out
}

// Len returns the number of stored tables.
func (e *MemoryExporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tables)
}
