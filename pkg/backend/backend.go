package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an object or directory does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a remote object or directory.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	ETag    string
	IsDir   bool
}

// Backend abstracts remote storage holding trace logs. The analyzer
// only ever reads; implementations wrap rclone backends.
type Backend interface {
	// Name returns the configured name of this backend.
	Name() string

	// Type returns the backend type (e.g. "azureblob", "s3", "local").
	Type() string

	// List returns objects and directories under the given prefix.
	// Returns direct children only (delimiter-based listing).
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns info for a single object or directory.
	Stat(ctx context.Context, path string) (ObjectInfo, error)

	// Open returns a reader for the entire object.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Close releases resources held by this backend.
	Close() error
}

// Registry holds the remotes named in config. Source specs and mount
// routes resolve their remote name through it.
type Registry struct {
	mu      sync.RWMutex
	remotes map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{remotes: make(map[string]Backend)}
}

// Register adds a backend under its Name. Remote names are unique;
// config validation catches duplicates first, so a collision here is a
// wiring bug.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.remotes[name]; exists {
		return fmt.Errorf("backend.Registry: remote %q registered twice", name)
	}
	r.remotes[name] = b
	return nil
}

// Get returns the backend for a remote name. The error names the
// configured remotes; a typo in a remote: spec is the usual caller.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.remotes[name]
	if !ok {
		if len(r.remotes) == 0 {
			return nil, fmt.Errorf("backend.Registry: no remote %q (none configured)", name)
		}
		return nil, fmt.Errorf("backend.Registry: no remote %q (configured: %s)",
			name, strings.Join(r.names(), ", "))
	}
	return b, nil
}

// Names returns the registered remote names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.remotes))
	for name := range r.remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every backend in name order, so repeated failures read
// the same way in the logs.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, name := range r.names() {
		if err := r.remotes[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
