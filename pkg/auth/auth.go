// Package auth resolves credentials for configured remotes. Providers
// turn a credentials block from the configuration into rclone backend
// parameters; the manager picks the provider, applies auditing, and
// hands the merged parameters to backend construction.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/warpdrive/warptrace/pkg/metrics"
)

// Credentials are resolved backend parameters for one remote. Keys use
// rclone's option names for the remote's type (access_key_id, account,
// sas_url and so on).
type Credentials struct {
	Params   map[string]string
	Provider string
}

// ProviderConfig is the credentials block of a remote's configuration.
type ProviderConfig struct {
	// Method selects the provider: "static", "env", "file", or
	// empty/"none" for remotes that need no credentials.
	Method string `yaml:"method"`

	// Params are handed through as-is by the static provider.
	Params map[string]string `yaml:"params"`

	// EnvPrefix is scanned by the env provider; WARPTRACE_S3_ACCESS_KEY_ID
	// with prefix WARPTRACE_S3_ becomes the access_key_id parameter.
	EnvPrefix string `yaml:"env_prefix"`

	// File points the file provider at a JSON object of parameters.
	File string `yaml:"file"`
}

// Provider resolves credentials for one method.
type Provider interface {
	// Name returns the provider name used in audit entries and metrics.
	Name() string

	// SupportsMethod reports whether this provider handles the method.
	SupportsMethod(method string) bool

	// Resolve returns credentials for the named remote.
	Resolve(ctx context.Context, remote string, cfg ProviderConfig) (*Credentials, error)
}

// Manager orchestrates resolution across the registered providers.
type Manager struct {
	providers []Provider
	audit     *AuditLogger
}

// NewManager creates an auth manager. A nil audit logger disables
// auditing.
func NewManager(audit *AuditLogger) *Manager {
	return &Manager{audit: audit}
}

// RegisterProvider adds a credential provider.
func (m *Manager) RegisterProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// ProviderCount returns the number of registered providers.
func (m *Manager) ProviderCount() int { return len(m.providers) }

// Audit exposes the audit log, if any.
func (m *Manager) Audit() *AuditLogger { return m.audit }

// Resolve finds the provider for the remote's method and resolves its
// credentials. Every attempt is audited.
func (m *Manager) Resolve(ctx context.Context, remote string, cfg ProviderConfig) (*Credentials, error) {
	for _, p := range m.providers {
		if !p.SupportsMethod(cfg.Method) {
			continue
		}
		creds, err := p.Resolve(ctx, remote, cfg)
		if err != nil {
			metrics.CredentialResolutions.WithLabelValues(p.Name(), "failure").Inc()
			if m.audit != nil {
				m.audit.Log(AuditEntry{
					Timestamp: time.Now(),
					Remote:    remote,
					Provider:  p.Name(),
					Success:   false,
					Error:     err.Error(),
				})
			}
			return nil, fmt.Errorf("auth.Resolve: provider %s: %w", p.Name(), err)
		}
		metrics.CredentialResolutions.WithLabelValues(p.Name(), "success").Inc()
		if m.audit != nil {
			m.audit.Log(AuditEntry{
				Timestamp: time.Now(),
				Remote:    remote,
				Provider:  p.Name(),
				Success:   true,
			})
		}
		return creds, nil
	}
	return nil, fmt.Errorf("auth.Resolve: no provider supports method %q for remote %s", cfg.Method, remote)
}

// Merge overlays resolved credentials on a remote's raw config params.
// Resolved values win; keeping secrets out of the config file is the
// point of the indirection.
func Merge(base map[string]string, creds *Credentials) map[string]string {
	merged := make(map[string]string, len(base)+len(creds.Params))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range creds.Params {
		merged[k] = v
	}
	return merged
}
