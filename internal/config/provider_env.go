package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves "secrets" straight from the process environment.
// The job-runner CLI selects it with --env-secrets on hosts without SSM access.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch treats each key as an environment variable name.
// Unset keys are omitted from the result.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
