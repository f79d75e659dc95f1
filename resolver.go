package buildcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgebuild/buildcache/dedupe"
	"github.com/forgebuild/buildcache/metrics"
)

// defaultRemoteErrorLimit is the number of consecutive remote failures after
// which the remote backend is disabled for the remainder of the build.
const defaultRemoteErrorLimit = 3

// Resolver turns a frozen Configuration into a live Handle, once per build.
type Resolver struct {
	registry         *Registry
	logger           *slog.Logger
	tracker          *metrics.Tracker
	group            dedupe.Group
	remoteErrorLimit int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger used for resolution diagnostics and handle
// warnings. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithTracker sets the metrics tracker the handle records into.
func WithTracker(tracker *metrics.Tracker) ResolverOption {
	return func(r *Resolver) { r.tracker = tracker }
}

// WithDedupeGroup replaces the group used to collapse concurrent mirror
// downloads of the same key. Defaults to in-memory singleflight.
func WithDedupeGroup(group dedupe.Group) ResolverOption {
	return func(r *Resolver) { r.group = group }
}

// WithRemoteErrorLimit sets how many consecutive remote failures the handle
// tolerates before disabling the remote for the rest of the build.
func WithRemoteErrorLimit(limit int) ResolverOption {
	return func(r *Resolver) {
		if limit > 0 {
			r.remoteErrorLimit = limit
		}
	}
}

// NewResolver creates a resolver backed by the given factory registry.
func NewResolver(registry *Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry:         registry,
		logger:           slog.New(slog.DiscardHandler),
		group:            dedupe.NewSingleflightGroup(),
		remoteErrorLimit: defaultRemoteErrorLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = metrics.NewTracker()
	}
	return r
}

// Resolve freezes the configuration, seals the registry, instantiates the
// enabled backends, and composes them into a Handle.
//
// Local instantiation failure is fatal: the build tool provisions the local
// cache itself and cannot silently run without it. A missing factory for a
// configured remote type is also fatal, because the user asked for a cache
// nobody provides. Remote factory failure at runtime (connectivity, bad
// credentials) only degrades the build to local-only caching, with a
// warning.
func (r *Resolver) Resolve(ctx context.Context, cfg *Configuration) (*Handle, error) {
	if err := cfg.freeze(); err != nil {
		return nil, err
	}
	r.registry.seal()

	var local Service
	if cfg.Local().Enabled() {
		factory, err := r.registry.Lookup(LocalType)
		if err != nil {
			return nil, err
		}
		settings := cfg.Local().settings()
		settings["logger"] = r.logger
		local, err = factory(ctx, settings)
		if err != nil {
			return nil, &InstantiationError{TypeID: LocalType, Err: err}
		}
	}

	var (
		remote     Service
		remotePush bool
	)
	if rd, err := cfg.Remote(); err == nil && rd.Enabled() {
		factory, err := r.registry.Lookup(rd.TypeID())
		if err != nil {
			closeQuietly(local, r.logger)
			return nil, err
		}
		remote, err = factory(ctx, rd.Settings())
		if err != nil {
			// Degrade: the build proceeds with local-only caching.
			r.logger.Warn("remote cache unavailable, continuing with local cache only",
				"type", rd.TypeID(),
				"error", &InstantiationError{TypeID: rd.TypeID(), Err: err})
			r.tracker.RemoteError()
		} else {
			remotePush = rd.Push()
		}
	}

	cfg.state = StateResolved

	handle := &Handle{
		cfg:        cfg,
		local:      local,
		remote:     remote,
		localPush:  cfg.Local().Push(),
		remotePush: remotePush,
		logger:     r.logger,
		tracker:    r.tracker,
		group:      r.group,
		errorLimit: int64(r.remoteErrorLimit),
	}
	if local == nil && remote == nil {
		r.logger.Warn("no cache backend enabled, all lookups will miss")
	}
	return handle, nil
}

func closeQuietly(svc Service, logger *slog.Logger) {
	if svc == nil {
		return
	}
	if err := svc.Close(); err != nil {
		logger.Warn("failed to close cache backend", "error", fmt.Errorf("close: %w", err))
	}
}
