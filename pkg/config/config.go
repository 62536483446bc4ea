package config

import (
	"fmt"
	"strings"

	"github.com/warpdrive/warptrace/pkg/auth"
	"github.com/warpdrive/warptrace/pkg/parse"
	"github.com/warpdrive/warptrace/pkg/telemetry"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// Config is the top-level warptrace configuration.
type Config struct {
	LogKind        string         `yaml:"log_kind"`        // proxy-trace or host-log
	RecordEncoding string         `yaml:"record_encoding"` // structured, textual or tabular
	Workdir        string         `yaml:"workdir"`
	Sources        []string       `yaml:"sources"`
	Interval       IntervalConfig `yaml:"interval"`
	Analysis       AnalysisConfig `yaml:"analysis"`
	Export         ExportConfig   `yaml:"export"`
	Store          StoreConfig    `yaml:"store"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Serve          ServeConfig    `yaml:"serve"`
	Remotes        []RemoteConfig `yaml:"remotes"`
	Cache          CacheConfig    `yaml:"cache"`

	Telemetry telemetry.CollectorConfig `yaml:"telemetry"`
}

// IntervalConfig bounds the analysis to [start, end], inclusive on both
// ends. Raw values are RFC3339 timestamps or epoch seconds; Load parses
// them into trace times.
type IntervalConfig struct {
	StartRaw string `yaml:"start"`
	EndRaw   string `yaml:"end"`

	Start    trace.Time `yaml:"-"`
	End      trace.Time `yaml:"-"`
	HasStart bool       `yaml:"-"`
	HasEnd   bool       `yaml:"-"`
}

// AnalysisConfig tunes the analysis pass.
type AnalysisConfig struct {
	TopK int `yaml:"top_k"` // object rows kept per call type; default 5

	// MaxRunLength splits access runs longer than this many operations.
	// 0 picks the default of 500; -1 disables splitting.
	MaxRunLength int `yaml:"max_run_length"`

	FaultLogSize int `yaml:"fault_log_size"` // individual faults retained; default 1000
	Workers      int `yaml:"workers"`        // preprocessing fan-out; 0 picks the package default

	ObjectScopedCalls ScopeConfig `yaml:"object_scoped_calls"`
}

// ScopeConfig overrides which call types are tracked per object in
// addition to the global counters. Empty lists keep the built-in set.
type ScopeConfig struct {
	Kernel []string `yaml:"kernel"`
	Store  []string `yaml:"store"`
}

// Empty reports whether no override was configured.
func (s ScopeConfig) Empty() bool {
	return len(s.Kernel) == 0 && len(s.Store) == 0
}

// ExportConfig selects where result tables go.
type ExportConfig struct {
	Sink string `yaml:"sink"` // "csv", "stdout", "http", "none"
	Dir  string `yaml:"dir"`  // csv sink output directory
	Addr string `yaml:"addr"` // http sink collector base URL
}

// StoreConfig configures the badger-backed run archive. An empty path
// disables archiving.
type StoreConfig struct {
	Path string `yaml:"path"`
	Keep int    `yaml:"keep"` // archived runs retained; 0 keeps all
}

// Enabled reports whether runs should be archived.
func (s StoreConfig) Enabled() bool { return s.Path != "" }

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// ServeConfig configures the REST API over the run archive.
type ServeConfig struct {
	Addr string `yaml:"addr"` // listen address; default ":8080"
}

// RemoteConfig describes one named remote holding trace logs,
// referenced by remote:<name>/<path> source specs or, when a mount is
// set, by absolute path specs under the mount prefix. Static
// credentials ride in the rclone params, with ${VAR} env expansion
// applied at load time; the credentials block resolves everything
// else through an auth provider and is merged over the params.
type RemoteConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"` // rclone backend: azureblob, s3, googlecloudstorage, sftp, local
	Path   string            `yaml:"path"` // bucket/container plus optional prefix
	Config map[string]string `yaml:"config"`

	Mount       string              `yaml:"mount"` // optional path prefix, e.g. /mnt/traces
	Credentials auth.ProviderConfig `yaml:"credentials"`
}

// CacheConfig configures the local fetch cache for remote sources. The
// cache persists across runs so repeated analyses of the same logs
// skip the download.
type CacheConfig struct {
	Dir      string `yaml:"dir"`       // default <workdir>/cache
	MaxBytes int64  `yaml:"max_bytes"` // eviction budget; 0 picks the default, -1 disables eviction
	Disabled bool   `yaml:"disabled"`
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if !validLogKind(c.LogKind) {
		return fmt.Errorf("config: unknown log_kind %q, want one of %v", c.LogKind, parse.LogKinds())
	}
	if !validEncoding(c.RecordEncoding) {
		return fmt.Errorf("config: unknown record_encoding %q, want one of %v", c.RecordEncoding, parse.Encodings())
	}
	if c.Interval.HasStart && c.Interval.HasEnd && c.Interval.End.Before(c.Interval.Start) {
		return fmt.Errorf("config: interval.end %s is before interval.start %s",
			c.Interval.End, c.Interval.Start)
	}
	if c.Analysis.TopK <= 0 {
		return fmt.Errorf("config: top_k must be positive, got %d", c.Analysis.TopK)
	}
	if c.Analysis.MaxRunLength < -1 {
		return fmt.Errorf("config: max_run_length must be >= -1, got %d", c.Analysis.MaxRunLength)
	}
	if c.Analysis.FaultLogSize <= 0 {
		return fmt.Errorf("config: fault_log_size must be positive, got %d", c.Analysis.FaultLogSize)
	}
	if c.Analysis.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Analysis.Workers)
	}
	if err := validateScope(c.Analysis.ObjectScopedCalls); err != nil {
		return err
	}

	switch c.Export.Sink {
	case "csv", "stdout", "http", "none":
	default:
		return fmt.Errorf("config: unknown export sink %q", c.Export.Sink)
	}
	if c.Export.Sink == "http" && c.Export.Addr == "" {
		return fmt.Errorf("config: export sink http requires export.addr")
	}
	if c.Store.Keep < 0 {
		return fmt.Errorf("config: store.keep must be >= 0, got %d", c.Store.Keep)
	}

	if c.Cache.MaxBytes < -1 {
		return fmt.Errorf("config: cache.max_bytes must be >= -1, got %d", c.Cache.MaxBytes)
	}
	switch c.Telemetry.Sink {
	case "", "stdout", "file", "http", "nop":
	default:
		return fmt.Errorf("config: unknown telemetry sink %q", c.Telemetry.Sink)
	}

	names := make(map[string]bool)
	mounts := make(map[string]string)
	for _, r := range c.Remotes {
		if r.Name == "" {
			return fmt.Errorf("config: remote name cannot be empty")
		}
		if r.Type == "" {
			return fmt.Errorf("config: remote %q has empty type", r.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("config: duplicate remote name %q", r.Name)
		}
		names[r.Name] = true

		switch r.Credentials.Method {
		case "", "none", "static", "env", "file":
		default:
			return fmt.Errorf("config: remote %q has unknown credentials method %q", r.Name, r.Credentials.Method)
		}

		if r.Mount == "" {
			continue
		}
		if !strings.HasPrefix(r.Mount, "/") {
			return fmt.Errorf("config: remote %q mount %q must be an absolute path", r.Name, r.Mount)
		}
		mount := "/" + strings.Trim(r.Mount, "/")
		if mount == "/" {
			return fmt.Errorf("config: remote %q cannot mount the filesystem root", r.Name)
		}
		if prev, dup := mounts[mount]; dup {
			return fmt.Errorf("config: remotes %q and %q share mount %q", prev, r.Name, mount)
		}
		mounts[mount] = r.Name
	}
	return nil
}

func validLogKind(s string) bool {
	for _, k := range parse.LogKinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

func validEncoding(s string) bool {
	for _, e := range parse.Encodings() {
		if string(e) == s {
			return true
		}
	}
	return false
}

// validateScope rejects call names the trace grammar does not define;
// a typo here would silently drop per-object stats otherwise.
func validateScope(s ScopeConfig) error {
	kernel := make(map[string]bool)
	for _, name := range trace.KernelCalls() {
		kernel[name] = true
	}
	for _, name := range s.Kernel {
		if !kernel[name] {
			return fmt.Errorf("config: unknown kernel call %q in object_scoped_calls", name)
		}
	}
	store := make(map[string]bool)
	for _, name := range trace.StoreCalls() {
		store[name] = true
	}
	for _, name := range s.Store {
		if !store[name] {
			return fmt.Errorf("config: unknown store call %q in object_scoped_calls", name)
		}
	}
	return nil
}
