package buildcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgebuild/buildcache/internal/dirstore"
)

// LocalType is the backend type identifier of the build-tool-provisioned
// local directory cache. It is pre-registered by NewRegistry and cannot be
// replaced by external registrations.
const LocalType = "local"

// Registry maps backend type identifiers to factories. One factory per
// identifier: re-registering an identifier is rejected rather than silently
// overwritten, so a plugin cannot hijack another plugin's type.
//
// The registry seals when resolution starts; registrations after that point
// fail with ErrConfigurationFrozen.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	sealed    bool
}

// NewRegistry creates a registry with the local directory factory
// pre-registered under LocalType.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{
			LocalType: localFactory,
		},
	}
}

// Register records a factory for a backend type identifier. Registration
// must happen before resolution starts.
func (r *Registry) Register(typeID string, factory Factory) error {
	typeID = strings.TrimSpace(typeID)
	if typeID == "" || factory == nil {
		return fmt.Errorf("buildcache: invalid backend registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", typeID, ErrConfigurationFrozen)
	}
	if typeID == LocalType {
		return fmt.Errorf("buildcache: backend type %q is reserved", LocalType)
	}
	if _, exists := r.factories[typeID]; exists {
		return fmt.Errorf("buildcache: backend type %q already registered", typeID)
	}
	r.factories[typeID] = factory
	return nil
}

// Lookup returns the factory for typeID.
func (r *Registry) Lookup(typeID string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[typeID]
	if !ok {
		return nil, &UnregisteredBackendError{TypeID: typeID}
	}
	return factory, nil
}

// Types returns the registered backend type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typeID := range r.factories {
		types = append(types, typeID)
	}
	sort.Strings(types)
	return types
}

// seal marks the end of the registration window. Called by the Resolver.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// DefaultLocalDirectory returns the directory the local cache uses when the
// build does not configure one.
func DefaultLocalDirectory() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "forgebuild", "buildcache")
}

// localFactory builds the local directory store from the local descriptor's
// settings. Settings: "directory", "compression" (none/lz4/zstd),
// "cleanup_age".
func localFactory(ctx context.Context, settings Settings) (Service, error) {
	dir := settings.String("directory", DefaultLocalDirectory())

	opts := []dirstore.Option{
		dirstore.WithCompression(settings.String("compression", dirstore.CompressionNone)),
	}
	if logger, ok := settings["logger"].(*slog.Logger); ok {
		opts = append(opts, dirstore.WithLogger(logger))
	}

	store, err := dirstore.New(dir, opts...)
	if err != nil {
		return nil, err
	}

	if age := settings.Duration("cleanup_age", 0); age > 0 {
		if _, err := store.Cleanup(ctx, age); err != nil {
			// Cleanup is maintenance, not a prerequisite for caching.
			store.Close()
			return nil, fmt.Errorf("cleanup local cache: %w", err)
		}
	}

	return &localService{store: store}, nil
}

// localService adapts the internal dirstore to the Service contract.
type localService struct {
	store *dirstore.Store
}

func (l *localService) Get(ctx context.Context, key Key) (io.ReadCloser, int64, bool, error) {
	return l.store.Get(ctx, string(key))
}

func (l *localService) Put(ctx context.Context, key Key, body io.Reader, size int64) error {
	return l.store.Put(ctx, string(key), body, size)
}

func (l *localService) Close() error { return l.store.Close() }

func (l *localService) Clear(ctx context.Context) error { return l.store.Clear(ctx) }
