package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider collects backend parameters from environment variables
// sharing a prefix. WARPTRACE_TRACES_ACCESS_KEY_ID with env_prefix
// WARPTRACE_TRACES_ resolves to the access_key_id parameter. Variable
// suffixes are lowercased, so the mapping onto rclone option names is
// mechanical.
type EnvProvider struct{}

// NewEnvProvider creates an environment credential provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string                      { return "env" }
func (p *EnvProvider) SupportsMethod(method string) bool { return method == "env" }

func (p *EnvProvider) Resolve(_ context.Context, remote string, cfg ProviderConfig) (*Credentials, error) {
	if cfg.EnvPrefix == "" {
		return nil, fmt.Errorf("remote %s: env method needs env_prefix", remote)
	}

	params := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, cfg.EnvPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, cfg.EnvPrefix))
		if name == "" {
			continue
		}
		params[name] = value
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("remote %s: no environment variables match prefix %s", remote, cfg.EnvPrefix)
	}
	return &Credentials{Params: params, Provider: "env"}, nil
}
