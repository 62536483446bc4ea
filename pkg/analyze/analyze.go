// Package analyze drives one full run: source ordering, the single
// logical pass over the event stream, report building, export, and
// archiving. Preprocessing fans out inside pkg/source; everything after
// the sources are ordered is strictly single-threaded here.
package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/warpdrive/warptrace/pkg/auth"
	"github.com/warpdrive/warptrace/pkg/backend"
	"github.com/warpdrive/warptrace/pkg/cache"
	"github.com/warpdrive/warptrace/pkg/config"
	"github.com/warpdrive/warptrace/pkg/correlate"
	"github.com/warpdrive/warptrace/pkg/export"
	"github.com/warpdrive/warptrace/pkg/lifecycle"
	"github.com/warpdrive/warptrace/pkg/metrics"
	"github.com/warpdrive/warptrace/pkg/namespace"
	"github.com/warpdrive/warptrace/pkg/parse"
	"github.com/warpdrive/warptrace/pkg/report"
	"github.com/warpdrive/warptrace/pkg/source"
	"github.com/warpdrive/warptrace/pkg/store"
	"github.com/warpdrive/warptrace/pkg/telemetry"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// RunStats counts scan-level work the report summary does not show.
type RunStats struct {
	Sources     int
	Excluded    int
	Lines       uint64
	Records     uint64
	ParseErrors uint64
	Duration    time.Duration
}

// Result is everything one finished run produced.
type Result struct {
	Report   *report.Report
	Archived store.RunMeta // zero value unless an archive is attached
	Sources  []source.Source
	Stats    RunStats
}

// Analyzer wires the pipeline together for one configuration. It can
// run sequentially any number of times; per-run state is rebuilt on
// every Run.
type Analyzer struct {
	cfg       *config.Config
	registry  *backend.Registry
	routes    *namespace.Namespace
	fcache    *cache.Cache
	collector *telemetry.Collector
	archive   *store.Store
	exporter  export.Exporter
	progress  func(done, total int64)
}

// New builds an analyzer and the backend registry its remote sources
// resolve through. Credentials resolve and backends construct here,
// before any event processing, so a bad remote fails fast.
func New(cfg *config.Config) (*Analyzer, error) {
	mgr := auth.NewManager(auth.NewAuditLogger(64, nil))
	mgr.RegisterProvider(auth.NewNoneProvider())
	mgr.RegisterProvider(auth.NewStaticProvider())
	mgr.RegisterProvider(auth.NewEnvProvider())
	mgr.RegisterProvider(auth.NewFileProvider())

	reg := backend.NewRegistry()
	for _, r := range cfg.Remotes {
		params := r.Config
		if r.Credentials.Method != "" {
			creds, err := mgr.Resolve(context.Background(), r.Name, r.Credentials)
			if err != nil {
				reg.Close()
				return nil, fmt.Errorf("analyze.New: remote %s: %w", r.Name, err)
			}
			params = auth.Merge(params, creds)
		}
		b, err := backend.NewRcloneBackend(r.Name, r.Type, r.Path, params)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("analyze.New: remote %s: %w", r.Name, err)
		}
		if err := reg.Register(b); err != nil {
			reg.Close()
			return nil, fmt.Errorf("analyze.New: %w", err)
		}
	}

	a := &Analyzer{
		cfg:      cfg,
		registry: reg,
		routes:   namespace.New(cfg.Remotes),
	}

	if len(cfg.Remotes) > 0 && !cfg.Cache.Disabled && cfg.Cache.Dir != "" {
		fc, err := cache.Open(cfg.Cache.Dir, cfg.Cache.MaxBytes)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("analyze.New: %w", err)
		}
		a.fcache = fc
	}

	if cfg.Telemetry.Enabled {
		col, err := telemetry.NewCollector(cfg.Telemetry)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("analyze.New: %w", err)
		}
		a.collector = col
	}
	return a, nil
}

// SetArchive attaches a run archive; every successful run is saved.
func (a *Analyzer) SetArchive(s *store.Store) { a.archive = s }

// SetExporter overrides the configured export sink. The analyzer does
// not close an exporter it did not build.
func (a *Analyzer) SetExporter(e export.Exporter) { a.exporter = e }

// SetProgress installs a byte-granularity progress callback. done and
// total cover the materialized sizes of all ordered sources.
func (a *Analyzer) SetProgress(fn func(done, total int64)) { a.progress = fn }

// Registry exposes the backend registry for callers that share it.
func (a *Analyzer) Registry() *backend.Registry { return a.registry }

// Close releases the backend registry, the fetch cache and the
// telemetry collector. The first error wins; the rest still close.
func (a *Analyzer) Close() error {
	err := a.registry.Close()
	if a.fcache != nil {
		if cerr := a.fcache.Close(); err == nil {
			err = cerr
		}
	}
	if a.collector != nil {
		if cerr := a.collector.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// record stamps and hands one telemetry event to the collector, when
// telemetry is enabled.
func (a *Analyzer) record(evt telemetry.RunEvent) {
	if a.collector == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	a.collector.Record(evt)
}

// Run executes one full analysis pass.
func (a *Analyzer) Run(ctx context.Context) (*Result, error) {
	begin := time.Now()
	cfg := a.cfg

	a.record(telemetry.RunEvent{
		Kind:     telemetry.EventRunStarted,
		Encoding: cfg.RecordEncoding,
		Sources:  len(cfg.Sources),
	})

	faults := trace.NewFaultLog(cfg.Analysis.FaultLogSize, func(f trace.Fault) {
		metrics.FaultsRecorded.WithLabelValues(string(f.Kind)).Inc()
		a.record(telemetry.RunEvent{
			Kind:      telemetry.EventFaultObserved,
			FaultKind: string(f.Kind),
		})
	})

	enc := parse.Encoding(cfg.RecordEncoding)
	kind := parse.LogKind(cfg.LogKind)

	loader := source.NewLoader(cfg.Workdir, a.registry, enc, kind, faults)
	loader.SetWorkers(cfg.Analysis.Workers)
	loader.SetRoutes(a.routes)
	loader.SetCache(a.fcache)
	sources, err := loader.Load(ctx, cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("analyze.Run: %w", err)
	}
	for _, se := range loader.Excluded() {
		a.record(telemetry.RunEvent{
			Kind:   telemetry.EventSourceExcluded,
			Source: se.Spec,
			Error:  se.Err.Error(),
		})
	}

	tracker := lifecycle.NewTracker(a.scope(), faults)
	engine := correlate.NewEngine(faults, tracker.OnMatch)

	r := &run{
		enc:      enc,
		kind:     kind,
		engine:   engine,
		faults:   faults,
		interval: cfg.Interval,
		progress: a.progress,
	}
	for _, s := range sources {
		r.total += s.Size
	}

	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analyze.Run: %w", err)
		}
		if r.stopped {
			break
		}
		before := r.stats.Records
		if err := r.scan(ctx, s); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("analyze.Run: %w", err)
			}
			// A source failing mid-scan keeps whatever it yielded; the
			// rest of the run proceeds without it.
			slog.Warn("Source failed mid-scan",
				"component", "analyze", "source", s.Name, "error", err)
		}
		a.record(telemetry.RunEvent{
			Kind:    telemetry.EventSourceScanned,
			Source:  s.Name,
			Records: r.stats.Records - before,
		})
	}
	engine.Finish()

	for _, g := range engine.Global() {
		layer := g.Layer.String()
		metrics.CallsMatched.WithLabelValues(layer).Add(float64(g.CallsReturned))
		metrics.CallsUnreturned.WithLabelValues(layer).Add(float64(g.CallsMade - g.CallsReturned))
	}

	rep := report.Build(engine, tracker, faults, report.Options{
		TopK:   cfg.Analysis.TopK,
		MaxRun: cfg.Analysis.MaxRunLength,
	})

	if err := a.export(rep); err != nil {
		return nil, fmt.Errorf("analyze.Run: %w", err)
	}

	res := &Result{Report: rep, Sources: sources, Stats: r.stats}
	res.Stats.Sources = len(sources)
	res.Stats.Excluded = len(loader.Excluded())

	if a.archive != nil {
		meta, err := a.archive.Save(rep)
		if err != nil {
			return nil, fmt.Errorf("analyze.Run: %w", err)
		}
		res.Archived = meta
		a.record(telemetry.RunEvent{
			Kind:  telemetry.EventRunArchived,
			RunID: meta.ID,
		})
	}

	res.Stats.Duration = time.Since(begin)
	metrics.AnalyzeDuration.Observe(res.Stats.Duration.Seconds())

	a.record(telemetry.RunEvent{
		Kind:       telemetry.EventRunCompleted,
		Sources:    res.Stats.Sources,
		Records:    res.Stats.Records,
		Events:     rep.Summary.Events,
		Faults:     rep.Summary.Faults,
		DurationMs: res.Stats.Duration.Seconds() * 1000,
	})
	if a.collector != nil {
		a.collector.Flush()
	}

	slog.Info("Analysis complete",
		"component", "analyze",
		"sources", res.Stats.Sources,
		"lines", res.Stats.Lines,
		"records", res.Stats.Records,
		"events", rep.Summary.Events,
		"faults", rep.Summary.Faults,
		"duration", res.Stats.Duration)

	return res, nil
}

// Prefetch warms the fetch cache for the given specs without running
// an analysis. Specs name remote:<name>/<prefix> trees or mounted
// prefixes the way sources do; a byte budget in opts spans all specs.
func (a *Analyzer) Prefetch(ctx context.Context, specs []string, opts cache.WarmOptions) (cache.WarmResult, error) {
	if a.fcache == nil {
		return cache.WarmResult{}, fmt.Errorf("analyze.Prefetch: no fetch cache configured")
	}

	var total cache.WarmResult
	for _, spec := range specs {
		name, prefix, ok := source.ParseRemoteSpec(spec)
		if !ok {
			route, routed := a.routes.Resolve(spec)
			if !routed {
				return total, fmt.Errorf("analyze.Prefetch: spec %q names no remote or mount", spec)
			}
			name, prefix = route.Remote, route.ObjectPath
		}
		b, err := a.registry.Get(name)
		if err != nil {
			return total, fmt.Errorf("analyze.Prefetch: %w", err)
		}

		res, err := cache.Warm(ctx, a.fcache, b, prefix, opts)
		total.Objects += res.Objects
		total.Bytes += res.Bytes
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		total.Duration += res.Duration
		if err != nil {
			return total, fmt.Errorf("analyze.Prefetch: %w", err)
		}
		if opts.MaxBytes > 0 {
			opts.MaxBytes -= res.Bytes
			if opts.MaxBytes <= 0 {
				break
			}
		}
	}
	return total, nil
}

// scope builds the object-scope table: the package default, with either
// side replaced wholesale when the configuration lists calls for it.
func (a *Analyzer) scope() lifecycle.Scope {
	sc := lifecycle.DefaultScope()
	oc := a.cfg.Analysis.ObjectScopedCalls
	if len(oc.Kernel) > 0 {
		sc[trace.LayerKernel] = toSet(oc.Kernel)
	}
	if len(oc.Store) > 0 {
		sc[trace.LayerStore] = toSet(oc.Store)
	}
	return sc
}

func toSet(calls []string) map[string]bool {
	set := make(map[string]bool, len(calls))
	for _, c := range calls {
		set[c] = true
	}
	return set
}

// export ships each table through the configured sink, or through the
// injected exporter when one is set.
func (a *Analyzer) export(rep *report.Report) error {
	exp := a.exporter
	owned := false
	if exp == nil {
		var err error
		exp, err = export.New(a.cfg.Export.Sink, a.cfg.Export.Dir, a.cfg.Export.Addr)
		if err != nil {
			return err
		}
		owned = true
	}

	for _, t := range rep.Tables {
		if err := exp.Export(t); err != nil {
			if owned {
				exp.Close()
			}
			return fmt.Errorf("exporting %s: %w", t.Title, err)
		}
	}
	if owned {
		if err := exp.Close(); err != nil {
			return fmt.Errorf("closing exporter: %w", err)
		}
	}
	return nil
}

// run is the per-Run scan state. Everything here is touched from one
// goroutine only.
type run struct {
	enc      parse.Encoding
	kind     parse.LogKind
	engine   *correlate.Engine
	faults   *trace.FaultLog
	interval config.IntervalConfig
	stats    RunStats

	done     int64
	total    int64
	progress func(done, total int64)
	stopped  bool
}

// scan consumes one source in line order, feeding parsed events through
// the engine. The interval bounds are a hard cutoff: records before
// start are skipped, the first record past end stops the whole run.
func (r *run) scan(ctx context.Context, src source.Source) error {
	f, err := os.Open(src.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src.Name, err)
	}
	defer f.Close()

	mark := r.done
	dec := parse.NewDecoder(r.enc, r.kind, src.Name)
	sc := source.NewScanner(f)
	lineNo := 0

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		lineNo++
		r.stats.Lines++
		r.advance(int64(len(line)) + 1)

		ev, ok, err := dec.Line(line)
		if err != nil {
			r.stats.ParseErrors++
			metrics.ParseFailures.WithLabelValues(string(r.enc)).Inc()
			r.faults.Record(trace.Fault{
				Kind:   trace.FaultUnparsable,
				Detail: fmt.Sprintf("%s line %d: %v", src.Name, lineNo, err),
			})
			continue
		}
		if !ok {
			continue
		}
		r.stats.Records++
		metrics.RecordsParsed.WithLabelValues(string(r.enc)).Inc()

		if r.interval.HasStart && ev.Time.Before(r.interval.Start) {
			continue
		}
		if r.interval.HasEnd && r.interval.End.Before(ev.Time) {
			r.stopped = true
			return nil
		}
		r.engine.Observe(ev)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", src.Name, err)
	}

	// Pin the bar to the source boundary; per-line counts drift on CRLF
	// endings and unterminated final lines.
	r.snap(mark + src.Size)
	return nil
}

func (r *run) advance(n int64) {
	r.done += n
	if r.progress != nil {
		r.progress(r.done, r.total)
	}
}

func (r *run) snap(boundary int64) {
	if r.done == boundary {
		return
	}
	r.done = boundary
	if r.progress != nil {
		r.progress(r.done, r.total)
	}
}
