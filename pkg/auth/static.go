package auth

import "context"

// StaticProvider passes the configured params through unchanged. Used
// for local dev and S3-compatible stores with fixed keys; the config
// loader's ${VAR} expansion already lets values come from the
// environment.
type StaticProvider struct{}

// NewStaticProvider creates a static credential provider.
func NewStaticProvider() *StaticProvider { return &StaticProvider{} }

func (p *StaticProvider) Name() string                      { return "static" }
func (p *StaticProvider) SupportsMethod(method string) bool { return method == "static" }

func (p *StaticProvider) Resolve(_ context.Context, _ string, cfg ProviderConfig) (*Credentials, error) {
	params := make(map[string]string, len(cfg.Params))
	for k, v := range cfg.Params {
		params[k] = v
	}
	return &Credentials{Params: params, Provider: "static"}, nil
}

// NoneProvider handles remotes that need no credentials, such as local
// paths or anonymous public buckets.
type NoneProvider struct{}

// NewNoneProvider creates a no-auth provider.
func NewNoneProvider() *NoneProvider { return &NoneProvider{} }

func (p *NoneProvider) Name() string                      { return "none" }
func (p *NoneProvider) SupportsMethod(method string) bool { return method == "none" || method == "" }

func (p *NoneProvider) Resolve(_ context.Context, _ string, _ ProviderConfig) (*Credentials, error) {
	return &Credentials{Provider: "none"}, nil
}
