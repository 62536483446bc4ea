package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Parse metrics
	RecordsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_records_parsed_total",
		Help: "Trace records parsed successfully, by encoding",
	}, []string{"encoding"})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_parse_failures_total",
		Help: "Records that could not be decoded, by encoding",
	}, []string{"encoding"})

	// Correlation metrics
	CallsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_calls_matched_total",
		Help: "Request/response pairs matched, by layer",
	}, []string{"layer"})

	CallsUnreturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_calls_unreturned_total",
		Help: "Requests still pending at end of trace, by layer",
	}, []string{"layer"})

	FaultsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_faults_total",
		Help: "Trace faults recorded, by kind",
	}, []string{"kind"})

	// Analysis metrics
	AnalyzeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warptrace_analyze_duration_seconds",
		Help:    "Wall-clock duration of a full analysis run",
		Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600},
	})

	RunsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warptrace_runs_archived_total",
		Help: "Analysis runs persisted to the run archive",
	})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warptrace_backend_request_duration_seconds",
		Help:    "Remote backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_backend_errors_total",
		Help: "Remote backend errors by operation",
	}, []string{"backend", "operation"})

	BackendBytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_backend_bytes_read_total",
		Help: "Total bytes fetched from remote backends",
	}, []string{"backend"})

	// Fetch cache metrics
	FetchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warptrace_fetch_cache_hits_total",
		Help: "Remote objects served from the local fetch cache",
	})

	FetchCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warptrace_fetch_cache_misses_total",
		Help: "Remote objects downloaded on a fetch cache miss",
	})

	FetchCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warptrace_fetch_cache_evictions_total",
		Help: "Cached objects evicted to stay under the size budget",
	})

	FetchCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warptrace_fetch_cache_bytes",
		Help: "Bytes currently held by the fetch cache",
	})

	// Auth metrics
	CredentialResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warptrace_credential_resolutions_total",
		Help: "Credential resolutions by provider and outcome",
	}, []string{"provider", "outcome"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	RecordsParsed.WithLabelValues("structured")
	ParseFailures.WithLabelValues("structured")
	CallsMatched.WithLabelValues("kernel")
	CallsMatched.WithLabelValues("store")
	CallsUnreturned.WithLabelValues("kernel")
	FaultsRecorded.WithLabelValues("unparsable-record")
	BackendRequestDuration.WithLabelValues("", "open")
	BackendErrors.WithLabelValues("", "open")
	BackendBytesRead.WithLabelValues("")
	CredentialResolutions.WithLabelValues("static", "success")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// DirHealthCheck returns a check function verifying a directory exists.
// Used for the work directory and the run archive path in serve mode.
func DirHealthCheck(path string) func() error {
	return func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s: not a directory", path)
		}
		return nil
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
