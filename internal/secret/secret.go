// Package secret resolves provider credentials at call time so that a key
// rotated in the environment is picked up without a restart.
package secret

import (
	"context"
	"os"
	"strings"
)

// Source yields the API key for a provider. ok is false when no credential is
// configured; err is reserved for lookup failures.
type Source interface {
	APIKey(ctx context.Context) (key string, ok bool, err error)
}

// Static is a fixed credential, typically taken from the config file.
type Static string

// APIKey implements [Source].
func (s Static) APIKey(context.Context) (string, bool, error) {
	k := strings.TrimSpace(string(s))
	return k, k != "", nil
}

// Env reads the credential from an environment variable on every call.
type Env string

// APIKey implements [Source].
func (e Env) APIKey(context.Context) (string, bool, error) {
	if e == "" {
		return "", false, nil
	}
	k := strings.TrimSpace(os.Getenv(string(e)))
	return k, k != "", nil
}

// Chain returns the first configured credential among sources.
type Chain []Source

// APIKey implements [Source].
func (c Chain) APIKey(ctx context.Context) (string, bool, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		k, ok, err := s.APIKey(ctx)
		if err != nil {
			return "", false, err
		}
		if ok {
			return k, true, nil
		}
	}
	return "", false, nil
}

// Configured reports whether src currently yields a credential. Lookup errors
// count as not configured.
func Configured(ctx context.Context, src Source) bool {
	if src == nil {
		return false
	}
	_, ok, err := src.APIKey(ctx)
	return ok && err == nil
}
