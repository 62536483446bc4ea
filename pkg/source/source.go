// Package source materializes trace sources and fixes their scan order.
//
// A source spec is a local file, a .gz stream, a .zip archive, a local
// directory, or a remote:<name>/<path> reference resolved through the
// backend registry. Absolute paths under a configured mount resolve to
// their remote instead of the local filesystem. Load fetches and
// unpacks everything into the work directory, probes each resulting
// file for its first parseable timestamp, and returns the sources in
// the order the analyzer must consume them.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/warpdrive/warptrace/pkg/backend"
	"github.com/warpdrive/warptrace/pkg/cache"
	"github.com/warpdrive/warptrace/pkg/namespace"
	"github.com/warpdrive/warptrace/pkg/parse"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// DefaultWorkers bounds the fetch/extract/probe fan-out.
const DefaultWorkers = 4

// maxLineBytes caps a single log line during probing and scanning.
const maxLineBytes = 1 << 20

// A Source is one materialized, line-scannable trace log.
type Source struct {
	Name    string     // display name, used in parse errors and faults
	Path    string     // local path after fetch/extraction
	Size    int64      // bytes on disk
	First   trace.Time // first timestamp that normalized during probing
	Ordered bool       // false when the probe found no parseable record
}

// SourceError wraps a per-source failure that excluded the source from
// the run. Exclusion is a warning, never a run abort.
type SourceError struct {
	Spec string
	Err  error
}

func (e *SourceError) Error() string { return fmt.Sprintf("source %s: %v", e.Spec, e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }

// Loader resolves source specs against the work directory and, for
// remote specs, the backend registry.
type Loader struct {
	workdir  string
	registry *backend.Registry
	enc      parse.Encoding
	kind     parse.LogKind
	faults   *trace.FaultLog
	workers  int
	routes   *namespace.Namespace
	cache    *cache.Cache

	mu       sync.Mutex
	excluded []*SourceError
}

// NewLoader creates a loader. The registry may be nil when no remote
// specs are configured.
func NewLoader(workdir string, reg *backend.Registry, enc parse.Encoding, kind parse.LogKind, faults *trace.FaultLog) *Loader {
	return &Loader{
		workdir:  workdir,
		registry: reg,
		enc:      enc,
		kind:     kind,
		faults:   faults,
		workers:  DefaultWorkers,
	}
}

// SetWorkers overrides the preprocessing fan-out width.
func (l *Loader) SetWorkers(n int) {
	if n > 0 {
		l.workers = n
	}
}

// SetRoutes installs the mount table. Absolute path specs under a
// mount then resolve to the mounted remote; the mount wins over a
// local path of the same name.
func (l *Loader) SetRoutes(ns *namespace.Namespace) {
	if ns != nil && !ns.Empty() {
		l.routes = ns
	}
}

// SetCache routes remote fetches through the fetch cache instead of
// downloading into the work directory every run.
func (l *Loader) SetCache(c *cache.Cache) {
	l.cache = c
}

// Load materializes every spec, probes first timestamps and returns the
// sources in consumption order. Sources that fail to fetch, extract or
// open are excluded with a warning and listed by Excluded afterwards;
// only an empty spec list, an unusable workdir or cancellation fail the
// whole call.
func (l *Loader) Load(ctx context.Context, specs []string) ([]Source, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("source.Load: no sources configured")
	}
	if err := os.MkdirAll(l.workdir, 0o755); err != nil {
		return nil, fmt.Errorf("source.Load: workdir: %w", err)
	}

	units := l.resolve(ctx, specs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	var (
		mu  sync.Mutex
		out []Source
	)
	for _, u := range units {
		u := u
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			srcs, err := l.materialize(gctx, u)
			if err != nil {
				l.exclude(u.spec, err)
				return nil
			}
			for i := range srcs {
				if err := l.probe(&srcs[i]); err != nil {
					l.exclude(srcs[i].Name, err)
					continue
				}
				mu.Lock()
				out = append(out, srcs[i])
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("source.Load: %w", err)
	}

	orderSources(out)

	for i := range out {
		if !out[i].Ordered {
			l.faults.Record(trace.Fault{
				Kind:   trace.FaultUnorderedSource,
				Detail: out[i].Name,
			})
			slog.Warn("Source has no parseable timestamp, scanning last",
				"component", "source", "name", out[i].Name)
		}
	}

	slog.Info("Sources ordered",
		"component", "source",
		"count", len(out), "excluded", len(l.excluded),
	)
	return out, nil
}

// Excluded returns the sources dropped during the last Load.
func (l *Loader) Excluded() []*SourceError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*SourceError, len(l.excluded))
	copy(out, l.excluded)
	return out
}

func (l *Loader) exclude(spec string, err error) {
	se := &SourceError{Spec: spec, Err: err}
	l.mu.Lock()
	l.excluded = append(l.excluded, se)
	l.mu.Unlock()
	slog.Warn("Source excluded", "component", "source", "spec", spec, "error", err)
}

// probe scans from the start of the file and records the first
// timestamp that normalizes. Lines that fail to decode are skipped;
// a source where nothing decodes stays unordered.
func (l *Loader) probe(s *Source) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer f.Close()

	dec := parse.NewDecoder(l.enc, l.kind, s.Name)
	sc := NewScanner(f)
	for sc.Scan() {
		ev, ok, err := dec.Line(sc.Text())
		if err != nil || !ok {
			continue
		}
		s.First = ev.Time
		s.Ordered = true
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

// NewScanner wraps r with the line buffer sizing shared by the probe
// and the analyzer's scan pass.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return sc
}

// orderSources sorts ascending by first timestamp, with unordered
// sources last. Name order breaks ties so runs are reproducible.
func orderSources(sources []Source) {
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Name < sources[j].Name
	})
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.Ordered != b.Ordered {
			return a.Ordered
		}
		if !a.Ordered {
			return false
		}
		return a.First.Before(b.First)
	})
}
