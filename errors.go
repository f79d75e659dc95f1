package buildcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRemoteConfigured is returned by operations that target the
	// remote cache before any remote type has been configured.
	ErrNoRemoteConfigured = errors.New("buildcache: no remote cache configured")

	// ErrConfigurationFrozen is returned when a registration or descriptor
	// mutation is attempted after resolution has started. This is a
	// programmer error: the configuration phase must complete before the
	// build starts.
	ErrConfigurationFrozen = errors.New("buildcache: configuration is frozen")

	// ErrInvalidKey is returned before any backend I/O when a cache key is
	// empty, too long, or not lowercase hex.
	ErrInvalidKey = errors.New("buildcache: invalid cache key")
)

// ConflictingRemoteTypeError reports an attempt to configure the remote
// cache with a different type than the one already configured. The existing
// descriptor is left untouched.
type ConflictingRemoteTypeError struct {
	Configured string
	Requested  string
}

func (e *ConflictingRemoteTypeError) Error() string {
	return fmt.Sprintf("buildcache: remote cache already configured with type %q, cannot reconfigure with type %q",
		e.Configured, e.Requested)
}

// UnregisteredBackendError reports a configured backend type for which no
// factory was registered. At resolution time this is fatal: the user asked
// for a cache nobody provides.
type UnregisteredBackendError struct {
	TypeID string
}

func (e *UnregisteredBackendError) Error() string {
	return fmt.Sprintf("buildcache: no factory registered for backend type %q", e.TypeID)
}

// InstantiationError reports a backend factory failure during resolution.
// For the local backend it aborts the build; for a remote backend the
// resolver degrades to local-only caching and surfaces a warning instead.
type InstantiationError struct {
	TypeID string
	Err    error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("buildcache: failed to instantiate %q backend: %v", e.TypeID, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }
