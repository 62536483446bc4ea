package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileProvider reads backend parameters from a JSON file holding a
// flat string-to-string object. Secret files rotate out of band;
// resolution happens at startup, so a rotated file takes effect on the
// next run.
type FileProvider struct{}

// NewFileProvider creates a file credential provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string                      { return "file" }
func (p *FileProvider) SupportsMethod(method string) bool { return method == "file" }

func (p *FileProvider) Resolve(_ context.Context, remote string, cfg ProviderConfig) (*Credentials, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("remote %s: file method needs a file path", remote)
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", remote, err)
	}
	var params map[string]string
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("remote %s: parse %s: %w", remote, cfg.File, err)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("remote %s: %s holds no parameters", remote, cfg.File)
	}
	return &Credentials{Params: params, Provider: "file"}, nil
}
