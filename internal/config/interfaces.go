package config

import "context"

// SecretProvider resolves secret parameter paths to plaintext values.
// Implementations batch their lookups; the returned map only contains the
// keys that were found.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
