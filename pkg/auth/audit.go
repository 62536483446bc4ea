package auth

import (
	"log/slog"
	"sync"
	"time"
)

// AuditEntry records one credential resolution attempt.
type AuditEntry struct {
	Timestamp time.Time `json:"ts"`
	Remote    string    `json:"remote"`
	Provider  string    `json:"provider"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// AuditLogger keeps recent credential operations in a ring buffer.
type AuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
	maxSize int
	sink    func(AuditEntry) // Optional external sink
}

// NewAuditLogger creates an audit logger with the given ring size.
func NewAuditLogger(maxSize int, sink func(AuditEntry)) *AuditLogger {
	return &AuditLogger{
		entries: make([]AuditEntry, 0, maxSize),
		maxSize: maxSize,
		sink:    sink,
	}
}

// Log records an audit entry.
func (al *AuditLogger) Log(entry AuditEntry) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.entries = append(al.entries, entry)
	if len(al.entries) > al.maxSize {
		al.entries = al.entries[len(al.entries)-al.maxSize:]
	}

	if entry.Success {
		slog.Info("Credentials resolved",
			"component", "auth",
			"remote", entry.Remote,
			"provider", entry.Provider)
	} else {
		slog.Warn("Credential resolution failed",
			"component", "auth",
			"remote", entry.Remote,
			"provider", entry.Provider,
			"error", entry.Error)
	}

	if al.sink != nil {
		al.sink(entry)
	}
}

// Recent returns the last N entries.
func (al *AuditLogger) Recent(limit int) []AuditEntry {
	al.mu.Lock()
	defer al.mu.Unlock()

	if limit > len(al.entries) {
		limit = len(al.entries)
	}
	if limit == 0 {
		return nil
	}
	out := make([]AuditEntry, limit)
	copy(out, al.entries[len(al.entries)-limit:])
	return out
}

// Len returns the current number of entries.
func (al *AuditLogger) Len() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.entries)
}
