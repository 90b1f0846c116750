package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Env reads secret blobs from environment variables. The secret name is
// upper-cased with dashes and dots replaced by underscores, and the variable
// holds the same flat JSON object Secrets Manager would.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv creates an environment-backed provider.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// GetSecret decodes the variable that corresponds to name.
func (p *Env) GetSecret(_ context.Context, name string) (map[string]string, error) {
	key := EnvKey(name)
	raw, ok := p.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return decodeBlob(raw)
}

// EnvKey maps a secret name to its environment variable.
func EnvKey(name string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(name)))
}
