package buildcache

import (
	"fmt"
	"time"
)

// State tracks a Configuration through its lifecycle. Descriptors accept
// mutation only while Configuring; the Resolver moves the configuration to
// Frozen before instantiating any backend.
type State int32

const (
	StateConfiguring State = iota
	StateFrozen
	StateResolved
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateFrozen:
		return "frozen"
	case StateResolved:
		return "resolved"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Configuration is the aggregate root of the cache configuration model. It
// owns exactly one local descriptor, created eagerly, and at most one remote
// descriptor, created lazily by ConfigureRemote.
//
// The configuration phase is single-threaded by contract: a Configuration
// needs no internal locking because all mutation happens before the build's
// concurrent phase, and freezing happens-before any handle use.
type Configuration struct {
	local  *Local
	remote *Remote
	state  State
}

// New creates a configuration with the local descriptor in place: enabled,
// push allowed, storing under DefaultLocalDirectory.
func New() *Configuration {
	cfg := &Configuration{}
	cfg.local = &Local{
		descriptor: descriptor{cfg: cfg, enabled: true, push: true},
		directory:  DefaultLocalDirectory(),
	}
	return cfg
}

// State returns the configuration's lifecycle state.
func (c *Configuration) State() State { return c.state }

// Local returns the local cache descriptor. It is never nil and is the same
// instance for the lifetime of the configuration.
func (c *Configuration) Local() *Local { return c.local }

// ConfigureLocal applies an in-place update to the local descriptor.
func (c *Configuration) ConfigureLocal(action func(*Local)) error {
	if c.state != StateConfiguring {
		return fmt.Errorf("configure local cache: %w", ErrConfigurationFrozen)
	}
	action(c.local)
	return nil
}

// ConfigureRemote creates the remote descriptor with the given backend type
// on first call and returns it. Calling again with the same type is
// idempotent and returns the existing descriptor, with any actions applied
// on top of its current settings. Calling with a different type fails with
// *ConflictingRemoteTypeError and leaves the descriptor untouched.
//
// Remote caches default to read-only (push disabled) so that a shared cache
// is not polluted by every developer build; enable push explicitly on the
// builds that should publish.
func (c *Configuration) ConfigureRemote(typeID string, actions ...func(*Remote)) (*Remote, error) {
	if c.state != StateConfiguring {
		return nil, fmt.Errorf("configure remote cache: %w", ErrConfigurationFrozen)
	}
	if typeID == "" {
		return nil, fmt.Errorf("buildcache: remote backend type must not be empty")
	}

	if c.remote == nil {
		c.remote = &Remote{
			descriptor: descriptor{cfg: c, enabled: true, push: false},
			typeID:     typeID,
			settings:   Settings{},
		}
	} else if c.remote.typeID != typeID {
		return nil, &ConflictingRemoteTypeError{Configured: c.remote.typeID, Requested: typeID}
	}

	for _, action := range actions {
		action(c.remote)
	}
	return c.remote, nil
}

// Remote returns the remote descriptor, or ErrNoRemoteConfigured when no
// remote type has been set.
func (c *Configuration) Remote() (*Remote, error) {
	if c.remote == nil {
		return nil, ErrNoRemoteConfigured
	}
	return c.remote, nil
}

// WithRemote applies an action to the existing remote descriptor. Unlike
// ConfigureRemote it never creates one: configuring settings for a cache
// whose type was never chosen is an error.
func (c *Configuration) WithRemote(action func(*Remote)) error {
	if c.state != StateConfiguring {
		return fmt.Errorf("configure remote cache: %w", ErrConfigurationFrozen)
	}
	if c.remote == nil {
		return ErrNoRemoteConfigured
	}
	action(c.remote)
	return nil
}

// freeze closes the configuration phase. Called by the Resolver; idempotent
// so resolving an already-frozen configuration fails later on state checks
// rather than here.
func (c *Configuration) freeze() error {
	switch c.state {
	case StateConfiguring:
		c.state = StateFrozen
		return nil
	default:
		return fmt.Errorf("freeze configuration in state %s: %w", c.state, ErrConfigurationFrozen)
	}
}

// descriptor holds the settings common to both cache backends.
type descriptor struct {
	cfg     *Configuration
	enabled bool
	push    bool
}

// Enabled reports whether this backend participates in the build.
func (d *descriptor) Enabled() bool { return d.enabled }

// Push reports whether this backend accepts writes in addition to reads.
func (d *descriptor) Push() bool { return d.push }

func (d *descriptor) mutable(what string) error {
	if d.cfg.state != StateConfiguring {
		return fmt.Errorf("set %s: %w", what, ErrConfigurationFrozen)
	}
	return nil
}

// SetEnabled enables or disables the backend for this build.
func (d *descriptor) SetEnabled(enabled bool) error {
	if err := d.mutable("enabled"); err != nil {
		return err
	}
	d.enabled = enabled
	return nil
}

// SetPush controls whether the backend receives writes.
func (d *descriptor) SetPush(push bool) error {
	if err := d.mutable("push"); err != nil {
		return err
	}
	d.push = push
	return nil
}

// Local describes the always-present local directory cache.
type Local struct {
	descriptor
	directory   string
	compression string
	cleanupAge  time.Duration
}

// Directory returns where the local cache stores its entries.
func (l *Local) Directory() string { return l.directory }

// SetDirectory changes the local cache location.
func (l *Local) SetDirectory(dir string) error {
	if err := l.mutable("directory"); err != nil {
		return err
	}
	l.directory = dir
	return nil
}

// SetCompression selects the entry codec: "none", "lz4", or "zstd".
// Validation happens at resolution time, inside the local factory.
func (l *Local) SetCompression(codec string) error {
	if err := l.mutable("compression"); err != nil {
		return err
	}
	l.compression = codec
	return nil
}

// SetCleanupAge makes resolution remove local entries older than age before
// the build starts. Zero disables cleanup.
func (l *Local) SetCleanupAge(age time.Duration) error {
	if err := l.mutable("cleanup age"); err != nil {
		return err
	}
	l.cleanupAge = age
	return nil
}

// settings renders the descriptor as the payload the local factory consumes.
func (l *Local) settings() Settings {
	s := Settings{"directory": l.directory}
	if l.compression != "" {
		s["compression"] = l.compression
	}
	if l.cleanupAge > 0 {
		s["cleanup_age"] = l.cleanupAge
	}
	return s
}

// Remote describes the optional remote cache: a backend type identifier plus
// an opaque settings payload owned by that backend's factory.
type Remote struct {
	descriptor
	typeID   string
	settings Settings
}

// TypeID returns the backend type identifier the remote was configured with.
func (r *Remote) TypeID() string { return r.typeID }

// Set stores a backend-owned setting. Reconfiguring the same remote type
// merges settings; it never resets them.
func (r *Remote) Set(key string, value any) error {
	if err := r.mutable(key); err != nil {
		return err
	}
	r.settings[key] = value
	return nil
}

// Setting returns the raw value for key, or nil when unset.
func (r *Remote) Setting(key string) any { return r.settings[key] }

// Settings returns a copy of the backend-owned settings payload.
func (r *Remote) Settings() Settings {
	out := make(Settings, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out
}
