package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warpdrive/warptrace/pkg/parse"
	"github.com/warpdrive/warptrace/pkg/trace"
)

// Load reads and parses a warptrace configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.parseInterval(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogKind == "" {
		c.LogKind = string(parse.KindProxyTrace)
	}
	if c.RecordEncoding == "" {
		c.RecordEncoding = string(parse.EncodingStructured)
	}
	if c.Workdir == "" {
		c.Workdir = "/var/tmp/warptrace"
	}
	if c.Analysis.TopK == 0 {
		c.Analysis.TopK = 5
	}
	if c.Analysis.MaxRunLength == 0 {
		c.Analysis.MaxRunLength = 500
	}
	if c.Analysis.FaultLogSize == 0 {
		c.Analysis.FaultLogSize = 1000
	}
	if c.Export.Sink == "" {
		c.Export.Sink = "stdout"
	}
	if c.Export.Sink == "csv" && c.Export.Dir == "" {
		c.Export.Dir = "warptrace-out"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = ":8080"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.Workdir, "cache")
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 4 << 30
	}
}

// parseInterval converts the raw interval bounds to trace times.
// Returns an error if a user-provided bound is not RFC3339 or epoch
// seconds.
func (c *Config) parseInterval() error {
	var err error
	if c.Interval.StartRaw != "" {
		c.Interval.Start, err = ParseTimePoint(c.Interval.StartRaw)
		if err != nil {
			return fmt.Errorf("config: invalid interval.start %q: %w", c.Interval.StartRaw, err)
		}
		c.Interval.HasStart = true
	}
	if c.Interval.EndRaw != "" {
		c.Interval.End, err = ParseTimePoint(c.Interval.EndRaw)
		if err != nil {
			return fmt.Errorf("config: invalid interval.end %q: %w", c.Interval.EndRaw, err)
		}
		c.Interval.HasEnd = true
	}
	return nil
}

// ParseTimePoint accepts RFC3339 timestamps or bare epoch seconds.
func ParseTimePoint(s string) (trace.Time, error) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return trace.Time{Sec: sec}, nil
	}
	return trace.ParseISO(s)
}
