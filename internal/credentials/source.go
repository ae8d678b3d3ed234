package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/cyderes/ingest-pipeline/internal/config"
)

// EnvSource reads credentials from process environment variables.
type EnvSource struct{}

func (EnvSource) Lookup(_ context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// NewSource builds the credential source selected by configuration.
func NewSource(cfg config.CredentialsConfig) (Source, error) {
	switch cfg.Provider {
	case "env", "":
		return EnvSource{}, nil
	case "secretsmanager":
		return NewSecretsManagerSource(cfg)
	default:
		return nil, fmt.Errorf("unsupported credentials provider: %s", cfg.Provider)
	}
}
