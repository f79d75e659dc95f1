// Package buildcache configures and resolves the build cache used to avoid
// re-executing tasks whose outputs can be reused. A build always caches to a
// local directory store and may additionally cache to one remote backend,
// selected by type identifier from a registry of pluggable factories.
//
// The configuration phase is single-threaded: callers register factories and
// mutate descriptors, then the Resolver freezes the configuration and turns
// it into a live Handle that the task execution engine uses concurrently.
package buildcache

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Key identifies one cache entry. It is the lowercase-hex hash of the task
// inputs, produced by the task execution engine.
type Key string

// maxKeyLen bounds keys so every backend can map them onto a path, object
// name, or tag without truncation.
const maxKeyLen = 128

// Validate reports whether the key is usable by every backend: non-empty,
// at most 128 characters, lowercase hex only.
func (k Key) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(k) > maxKeyLen {
		return fmt.Errorf("%w: key length %d exceeds %d", ErrInvalidKey, len(k), maxKeyLen)
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: key %q contains non-hex character", ErrInvalidKey, string(k))
		}
	}
	return nil
}

// Service is the interface every cache backend implements.
//
// Implementations must be safe for concurrent use; the composed Handle
// invokes Get and Put from many parallel task executions without any
// cross-backend locking. Close must be idempotent.
type Service interface {
	// Get retrieves an entry. A miss is not an error: it is reported
	// through the miss return value so callers can distinguish "not
	// cached" from "backend broken". The caller owns the returned body.
	Get(ctx context.Context, key Key) (body io.ReadCloser, size int64, miss bool, err error)

	// Put stores an entry. body must provide exactly size bytes.
	Put(ctx context.Context, key Key, body io.Reader, size int64) error

	// Close releases the backend's resources.
	Close() error
}

// Clearer is implemented by backends that can drop all of their entries.
// It is an optional extension of Service used by administrative tooling.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Settings is the opaque configuration payload handed to a backend factory.
// The keys and value types are owned by the backend; the core never
// interprets them beyond the typed accessors below.
type Settings map[string]any

// String returns the string value for key, or def when absent or not a string.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the boolean value for key, or def when absent or not a bool.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Duration returns the duration for key. Both time.Duration values and
// parseable strings ("30s") are accepted; anything else yields def.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	switch v := s[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Factory instantiates a running cache Service from backend-owned settings.
// Factories are stateless with respect to the configuration model; they may
// carry backend-specific defaults. A factory error during resolution is
// fatal for the local backend and degrades the build to local-only caching
// for a remote backend.
type Factory func(ctx context.Context, settings Settings) (Service, error)
