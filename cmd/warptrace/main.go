// Package main provides the warptrace CLI for trace analysis and the
// run archive.
//
// Usage:
//
//	warptrace analyze [--config <file>] [--sink csv|stdout|http|none] [--out <dir>] [--start <ts>] [--end <ts>] [--workers 8] [--quiet] [source ...]
//	warptrace prefetch [--config <file>] [--workers 8] [--max-bytes <n>] <spec ...>
//	warptrace runs list [--config <file>] [--format table|csv]
//	warptrace runs show <id> [--config <file>] [--table <name>]
//	warptrace runs delete <id> [--config <file>]
//	warptrace serve [--config <file>] [--addr :8080]
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/warpdrive/warptrace/pkg/analyze"
	"github.com/warpdrive/warptrace/pkg/cache"
	"github.com/warpdrive/warptrace/pkg/config"
	"github.com/warpdrive/warptrace/pkg/control"
	"github.com/warpdrive/warptrace/pkg/metrics"
	"github.com/warpdrive/warptrace/pkg/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "analyze":
		runAnalyze(os.Args[2:])
	case "prefetch":
		runPrefetch(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "warptrace — WarpDrive trace analyzer\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  warptrace <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  analyze   Reconstruct sessions from trace logs and export tables\n")
	fmt.Fprint(os.Stderr, "  prefetch  Warm the fetch cache for remote trace logs\n")
	fmt.Fprint(os.Stderr, "  runs      Inspect the run archive\n")
	fmt.Fprint(os.Stderr, "  serve     Start the REST API over the run archive\n\n")
	fmt.Fprint(os.Stderr, "Use \"warptrace <command> --help\" for more information about a command.\n")
}

// runAnalyze implements the "warptrace analyze" subcommand.
func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	sink := fs.String("sink", "", "Export sink: csv, stdout, http, none (overrides config)")
	outDir := fs.String("out", "", "CSV output directory (overrides config)")
	startStr := fs.String("start", "", "Interval start, RFC3339 or epoch seconds (overrides config)")
	endStr := fs.String("end", "", "Interval end, inclusive (overrides config)")
	workers := fs.Int("workers", 0, "Preprocessing workers (0 = config value)")
	quiet := fs.Bool("quiet", false, "Suppress the progress bar")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace analyze [flags] [source ...]\n\n")
		fmt.Fprint(os.Stderr, "Reconstruct I/O sessions from trace logs and export the result tables.\n")
		fmt.Fprint(os.Stderr, "Sources on the command line replace the configured ones; each may be a\n")
		fmt.Fprint(os.Stderr, "plain file, a .gz or .zip archive, a directory, or remote:<name>/<path>.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  warptrace analyze --config trace.yaml /var/log/warpdrive/trace.log\n")
		fmt.Fprint(os.Stderr, "  warptrace analyze --config trace.yaml --sink csv --out ./tables traces/\n")
		fmt.Fprint(os.Stderr, "  warptrace analyze --config trace.yaml --start 2026-04-01T09:00:00Z --end 2026-04-01T10:00:00Z\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if srcs := fs.Args(); len(srcs) > 0 {
		cfg.Sources = srcs
	}
	if *sink != "" {
		switch *sink {
		case "csv", "stdout", "http", "none":
			cfg.Export.Sink = *sink
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid --sink %q (want csv, stdout, http or none)\n", *sink)
			os.Exit(1)
		}
	}
	if *outDir != "" {
		cfg.Export.Dir = *outDir
	}
	if cfg.Export.Sink == "csv" && cfg.Export.Dir == "" {
		cfg.Export.Dir = "warptrace-out"
	}
	if *startStr != "" {
		t, err := config.ParseTimePoint(*startStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --start %q: %v\n", *startStr, err)
			os.Exit(1)
		}
		cfg.Interval.Start, cfg.Interval.HasStart = t, true
	}
	if *endStr != "" {
		t, err := config.ParseTimePoint(*endStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --end %q: %v\n", *endStr, err)
			os.Exit(1)
		}
		cfg.Interval.End, cfg.Interval.HasEnd = t, true
	}
	if cfg.Interval.HasStart && cfg.Interval.HasEnd && cfg.Interval.End.Before(cfg.Interval.Start) {
		fmt.Fprintf(os.Stderr, "Error: interval end %s is before start %s\n", cfg.Interval.End, cfg.Interval.Start)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Analysis.Workers = *workers
	}

	analyzer, err := analyze.New(cfg)
	if err != nil {
		slog.Error("failed to set up analyzer", "error", err)
		os.Exit(1)
	}
	defer analyzer.Close()

	if cfg.Store.Enabled() {
		archive, err := store.Open(cfg.Store.Path, cfg.Store.Keep)
		if err != nil {
			slog.Error("failed to open run archive", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		analyzer.SetArchive(archive)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Warptrace Analysis")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Kind:       %s\n", cfg.LogKind)
	fmt.Printf("Encoding:   %s\n", cfg.RecordEncoding)
	fmt.Printf("Sources:    %d configured\n", len(cfg.Sources))
	if cfg.Interval.HasStart {
		fmt.Printf("Start:      %s\n", cfg.Interval.Start)
	}
	if cfg.Interval.HasEnd {
		fmt.Printf("End:        %s\n", cfg.Interval.End)
	}
	fmt.Printf("Sink:       %s\n", cfg.Export.Sink)
	fmt.Println("────────────────────────────────────")
	fmt.Println()

	// Bar goes to stderr so stdout stays clean for the stdout sink.
	var bar *pb.ProgressBar
	if !*quiet {
		analyzer.SetProgress(func(done, total int64) {
			if bar == nil {
				bar = pb.New64(total)
				bar.SetTemplate(pb.Full)
				bar.Set(pb.Bytes, true)
				bar.SetWriter(os.Stderr)
				bar.Start()
			}
			bar.SetTotal(total)
			bar.SetCurrent(done)
		})
	}

	res, err := analyzer.Run(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Warning: analysis interrupted (Ctrl+C).")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sum := res.Report.Summary
	fmt.Println()
	fmt.Println("Summary")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Sources:    %d analyzed, %d filtered\n", res.Stats.Sources, res.Stats.Excluded)
	fmt.Printf("Lines:      %d\n", res.Stats.Lines)
	fmt.Printf("Records:    %d (%d unparsable)\n", res.Stats.Records, res.Stats.ParseErrors)
	fmt.Printf("Events:     %d\n", sum.Events)
	fmt.Printf("Calls:      %d made, %d returned\n", sum.CallsMade, sum.CallsReturned)
	fmt.Printf("Errors:     %d\n", sum.Errors)
	fmt.Printf("Objects:    %d\n", sum.Objects)
	fmt.Printf("Handles:    %d\n", sum.Handles)
	fmt.Printf("Faults:     %d\n", sum.Faults)
	fmt.Printf("Duration:   %s\n", res.Stats.Duration.Truncate(time.Millisecond))
	if res.Archived.ID != "" {
		fmt.Printf("Archived:   %s\n", res.Archived.ID)
	}
	fmt.Println("────────────────────────────────────")
}

// runPrefetch implements "warptrace prefetch" — warms the fetch cache
// so a later analyze run skips the downloads.
func runPrefetch(args []string) {
	fs := flag.NewFlagSet("prefetch", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	workers := fs.Int("workers", 0, "Concurrent downloads (0 = default)")
	maxBytes := fs.Int64("max-bytes", 0, "Stop after fetching this many bytes (0 = no budget)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace prefetch [flags] <spec ...>\n\n")
		fmt.Fprint(os.Stderr, "Download remote trace logs into the fetch cache ahead of analysis.\n")
		fmt.Fprint(os.Stderr, "Each spec is remote:<name>/<prefix> or an absolute path under a\n")
		fmt.Fprint(os.Stderr, "configured mount; the whole tree below the prefix is fetched.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  warptrace prefetch --config trace.yaml remote:lab/traces/2026-04-01\n")
		fmt.Fprint(os.Stderr, "  warptrace prefetch --config trace.yaml --max-bytes 10737418240 /mnt/traces\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	specs := fs.Args()
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: prefetch needs at least one remote spec or mounted path")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if len(cfg.Remotes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no remotes configured; prefetch has nothing to fetch from")
		os.Exit(1)
	}
	if cfg.Cache.Disabled {
		fmt.Fprintln(os.Stderr, "Error: the fetch cache is disabled in the config")
		os.Exit(1)
	}

	analyzer, err := analyze.New(cfg)
	if err != nil {
		slog.Error("failed to set up analyzer", "error", err)
		os.Exit(1)
	}
	defer analyzer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Warptrace Prefetch")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Remotes:    %d configured\n", len(cfg.Remotes))
	fmt.Printf("Cache:      %s\n", cfg.Cache.Dir)
	fmt.Printf("Specs:      %s\n", strings.Join(specs, ", "))
	if *maxBytes > 0 {
		fmt.Printf("Budget:     %d bytes\n", *maxBytes)
	}
	fmt.Println("────────────────────────────────────")

	res, err := analyzer.Prefetch(ctx, specs, cache.WarmOptions{
		Workers:  *workers,
		MaxBytes: *maxBytes,
	})
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Warning: prefetch interrupted (Ctrl+C).")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Prefetch Result")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Fetched:    %d objects, %.1f MiB\n", res.Objects, float64(res.Bytes)/(1<<20))
	fmt.Printf("Cached:     %d already warm\n", res.Skipped)
	if res.Failed > 0 {
		fmt.Printf("Failed:     %d\n", res.Failed)
	}
	fmt.Printf("Duration:   %s\n", res.Duration.Truncate(time.Millisecond))
	fmt.Println("────────────────────────────────────")
}

// ─────────────────────────── Archive Commands ───────────────────────────

// runRuns implements "warptrace runs".
func runRuns(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: warptrace runs <list|show|delete> [flags]")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		runRunsList(args[1:])
	case "show":
		runRunsShow(args[1:])
	case "delete":
		runRunsDelete(args[1:])
	case "--help", "-h", "help":
		fmt.Fprint(os.Stderr, "Usage: warptrace runs <list|show|delete> [flags]\n\n")
		fmt.Fprint(os.Stderr, "Inspect archived analysis runs.\n\n")
		fmt.Fprint(os.Stderr, "Subcommands:\n")
		fmt.Fprint(os.Stderr, "  list     List archived runs\n")
		fmt.Fprint(os.Stderr, "  show     Show one run, optionally dumping a result table\n")
		fmt.Fprint(os.Stderr, "  delete   Delete an archived run\n")
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs subcommand: %s\nUsage: warptrace runs <list|show|delete> [flags]\n", args[0])
		os.Exit(1)
	}
}

// openArchive opens the run archive named by the config. Exits if no
// archive is configured.
func openArchive(configPath string) *store.Store {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if !cfg.Store.Enabled() {
		fmt.Fprintln(os.Stderr, "Error: store.path is not set in the config; there is no run archive to read")
		os.Exit(1)
	}
	archive, err := store.Open(cfg.Store.Path, cfg.Store.Keep)
	if err != nil {
		slog.Error("failed to open run archive", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	return archive
}

func runRunsList(args []string) {
	fs := flag.NewFlagSet("runs list", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	format := fs.String("format", "table", "Output format: table, csv")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace runs list [flags]\n\nList archived analysis runs, newest first.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	archive := openArchive(*configPath)
	defer archive.Close()

	runs, err := archive.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch *format {
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"id", "created", "events", "calls_made", "calls_returned", "errors", "objects", "handles", "faults"})
		for _, r := range runs {
			w.Write([]string{r.ID, r.CreatedAt.Format(time.RFC3339),
				fmt.Sprintf("%d", r.Events),
				fmt.Sprintf("%d", r.CallsMade),
				fmt.Sprintf("%d", r.CallsReturned),
				fmt.Sprintf("%d", r.Errors),
				fmt.Sprintf("%d", r.Objects),
				fmt.Sprintf("%d", r.Handles),
				fmt.Sprintf("%d", r.Faults)})
		}
		w.Flush()
	default:
		fmt.Println("Archived Runs")
		fmt.Println("──────────────────────────────────────────────────────────────────────")
		fmt.Printf("%-28s %-20s %10s %14s %8s\n", "ID", "CREATED", "EVENTS", "CALLS", "FAULTS")
		fmt.Println("──────────────────────────────────────────────────────────────────────")
		for _, r := range runs {
			calls := fmt.Sprintf("%d/%d", r.CallsReturned, r.CallsMade)
			fmt.Printf("%-28s %-20s %10d %14s %8d\n",
				r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Events, calls, r.Faults)
		}
		if len(runs) == 0 {
			fmt.Println("  (no archived runs)")
		}
		fmt.Println("──────────────────────────────────────────────────────────────────────")
	}
}

func runRunsShow(args []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "Usage: warptrace runs show <id> [flags]")
		os.Exit(1)
	}
	id := args[0]

	fs := flag.NewFlagSet("runs show", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	table := fs.String("table", "", "Dump one result table as CSV instead of the summary")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace runs show <id> [flags]\n\nShow one archived run.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	archive := openArchive(*configPath)
	defer archive.Close()

	if *table != "" {
		tbl, err := archive.GetTable(id, *table)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error: run %q has no table %q\n", id, *table)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		w := csv.NewWriter(os.Stdout)
		w.Write(tbl.Header)
		w.WriteAll(tbl.Rows)
		w.Flush()
		return
	}

	meta, err := archive.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: no archived run %q\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("Run %s\n", meta.ID)
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Created:    %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Events:     %d\n", meta.Events)
	fmt.Printf("Calls:      %d made, %d returned\n", meta.CallsMade, meta.CallsReturned)
	fmt.Printf("Errors:     %d\n", meta.Errors)
	fmt.Printf("Objects:    %d\n", meta.Objects)
	fmt.Printf("Handles:    %d\n", meta.Handles)
	fmt.Printf("Faults:     %d\n", meta.Faults)
	fmt.Printf("Tables:     %s\n", strings.Join(meta.Tables, ", "))
	fmt.Println("────────────────────────────────────")
}

func runRunsDelete(args []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "Usage: warptrace runs delete <id> [flags]")
		os.Exit(1)
	}
	id := args[0]

	fs := flag.NewFlagSet("runs delete", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace runs delete <id> [flags]\n\nDelete one archived run and its tables.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}

	archive := openArchive(*configPath)
	defer archive.Close()

	if err := archive.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: no archived run %q\n", id)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Deleted run %s\n", id)
}

// runServe implements "warptrace serve" — starts the REST API server.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "/etc/warptrace/config.yaml", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides config, default :8080)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: warptrace serve [flags]\n\nStart the REST API over the run archive.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if !cfg.Store.Enabled() {
		fmt.Fprintln(os.Stderr, "Error: serve mode needs a run archive; set store.path in the config")
		os.Exit(1)
	}

	archive, err := store.Open(cfg.Store.Path, cfg.Store.Keep)
	if err != nil {
		slog.Error("failed to open run archive", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	analyzer, err := analyze.New(cfg)
	if err != nil {
		slog.Error("failed to set up analyzer", "error", err)
		os.Exit(1)
	}
	defer analyzer.Close()
	analyzer.SetArchive(archive)

	srv := control.NewServer(control.ServerConfig{Addr: cfg.Serve.Addr}, archive, analyzer)
	if *addr != "" {
		srv.SetAddr(*addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// ── Metrics + Health Server ──────────────────────────────────
	metrics.RegisterHealthCheck("run_archive", metrics.DirHealthCheck(cfg.Store.Path))

	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	defer close(metricsStop)

	listenAddr := cfg.Serve.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	fmt.Println("Warptrace Server")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Listening:  %s\n", listenAddr)
	fmt.Printf("Archive:    %s\n", cfg.Store.Path)
	fmt.Printf("Sources:    %d configured\n", len(cfg.Sources))
	fmt.Println("────────────────────────────────────")

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Server shut down cleanly.")
}
