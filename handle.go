package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgebuild/buildcache/dedupe"
	"github.com/forgebuild/buildcache/metrics"
)

// Handle is the composed cache service the task execution engine uses during
// the build. Reads check the local backend first and fall through to the
// remote; a remote hit is mirrored into the local store so subsequent reads
// (including other concurrent tasks, via the dedupe group) are served from
// disk. Writes fan out to every enabled push backend.
//
// Remote failures never fail the build: a remote Get error degrades to a
// miss, a remote Put error is logged and counted, and after errorLimit
// consecutive failures the remote is dropped for the remainder of the build.
// Local failures are real errors, surfaced to the caller.
//
// Handle is safe for concurrent use. It holds no lock across backend I/O.
type Handle struct {
	cfg        *Configuration
	local      Service
	remote     Service
	localPush  bool
	remotePush bool

	logger  *slog.Logger
	tracker *metrics.Tracker
	group   dedupe.Group

	errorLimit     int64
	remoteErrors   atomic.Int64 // consecutive failures
	remoteDisabled atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var _ Service = (*Handle)(nil)

// Get retrieves an entry, preferring the local backend.
func (h *Handle) Get(ctx context.Context, key Key) (io.ReadCloser, int64, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, 0, false, err
	}

	if h.local != nil {
		body, size, miss, err := h.timedGet(ctx, h.local, "local.get", key)
		if err != nil {
			h.tracker.Error()
			return nil, 0, false, fmt.Errorf("local cache get %q: %w", key, err)
		}
		if !miss {
			h.tracker.Hit()
			return body, size, false, nil
		}
	}

	if h.remoteUsable() {
		body, size, miss, err := h.remoteGet(ctx, key)
		if err != nil {
			// A broken remote cache is a slow build, not a failed one.
			h.remoteFailure("get", key, err)
			h.tracker.Miss()
			return nil, 0, true, nil
		}
		h.remoteSuccess()
		if !miss {
			h.tracker.Hit()
			return body, size, false, nil
		}
	}

	h.tracker.Miss()
	return nil, 0, true, nil
}

// remoteGet fetches from the remote backend, mirroring hits into the local
// store when the local backend accepts writes. The mirror download runs
// under the dedupe group so N concurrent tasks asking for the same key fetch
// it from the remote once.
func (h *Handle) remoteGet(ctx context.Context, key Key) (io.ReadCloser, int64, bool, error) {
	if h.local == nil || !h.localPush {
		return h.timedGet(ctx, h.remote, "remote.get", key)
	}

	v, err, _ := h.group.Do(string(key), func() (any, error) {
		miss, err := h.mirror(ctx, key)
		return miss, err
	})
	if err != nil {
		return nil, 0, false, err
	}
	if miss := v.(bool); miss {
		return nil, 0, true, nil
	}

	// Serve from the local copy written by the mirror.
	body, size, miss, err := h.timedGet(ctx, h.local, "local.get", key)
	if err != nil || miss {
		// The local store dropped the mirrored entry between the write and
		// this read (cleanup race). Treat as a miss rather than re-fetching.
		return nil, 0, true, err
	}
	return body, size, false, nil
}

// mirror downloads key from the remote and stores it locally. Returns
// miss=true when the remote does not have the entry.
func (h *Handle) mirror(ctx context.Context, key Key) (bool, error) {
	body, size, miss, err := h.timedGet(ctx, h.remote, "remote.get", key)
	if err != nil || miss {
		return miss, err
	}
	defer body.Close()

	start := time.Now()
	err = h.local.Put(ctx, key, body, size)
	h.tracker.Record("local.put", time.Since(start))
	if err != nil {
		return false, fmt.Errorf("mirror %q into local cache: %w", key, err)
	}
	return false, nil
}

// Put stores an entry in every enabled push backend. A local write failure
// fails the Put; a remote write failure is logged and counted but does not.
func (h *Handle) Put(ctx context.Context, key Key, body io.Reader, size int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	h.tracker.Put()

	toLocal := h.local != nil && h.localPush
	toRemote := h.remoteUsable() && h.remotePush

	switch {
	case toLocal && toRemote:
		// Fan out. Both backends consume the body, so buffer it once.
		data, err := readFull(body, size)
		if err != nil {
			return fmt.Errorf("read entry %q: %w", key, err)
		}
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return h.timedPut(ctx, h.local, "local.put", key, bytes.NewReader(data), size)
		})
		g.Go(func() error {
			if err := h.timedPut(ctx, h.remote, "remote.put", key, bytes.NewReader(data), size); err != nil {
				h.remoteFailure("put", key, err)
				return nil
			}
			h.remoteSuccess()
			return nil
		})
		if err := g.Wait(); err != nil {
			h.tracker.Error()
			return fmt.Errorf("local cache put %q: %w", key, err)
		}
		return nil

	case toLocal:
		if err := h.timedPut(ctx, h.local, "local.put", key, body, size); err != nil {
			h.tracker.Error()
			return fmt.Errorf("local cache put %q: %w", key, err)
		}
		return nil

	case toRemote:
		if err := h.timedPut(ctx, h.remote, "remote.put", key, body, size); err != nil {
			h.remoteFailure("put", key, err)
		} else {
			h.remoteSuccess()
		}
		return nil

	default:
		// No push backend enabled: the entry is simply not cached.
		return nil
	}
}

// Close releases both backends. Idempotent; later calls return the first
// result. Logs a one-line stats summary when any operation was recorded.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		if h.local != nil {
			if err := h.local.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close local cache: %w", err))
			}
		}
		if h.remote != nil {
			if err := h.remote.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close remote cache: %w", err))
			}
		}
		h.closeErr = errors.Join(errs...)
		if h.cfg != nil {
			h.cfg.state = StateClosed
		}

		snap := h.tracker.Snapshot()
		if snap.Operations() > 0 {
			h.logger.Info("build cache summary",
				"hits", snap.Hits,
				"misses", snap.Misses,
				"puts", snap.Puts,
				"errors", snap.Errors,
				"remote_errors", snap.RemoteErrors,
				"hit_rate", fmt.Sprintf("%.1f%%", snap.HitRate()*100),
				"latencies", snap.Latencies)
		}
	})
	return h.closeErr
}

// Stats returns a snapshot of the handle's counters and latency quantiles.
func (h *Handle) Stats() metrics.Snapshot {
	return h.tracker.Snapshot()
}

func (h *Handle) remoteUsable() bool {
	return h.remote != nil && !h.remoteDisabled.Load()
}

// remoteFailure counts a consecutive remote error and disables the remote
// once the limit is reached. The disable is logged exactly once.
func (h *Handle) remoteFailure(op string, key Key, err error) {
	h.tracker.RemoteError()
	h.logger.Warn("remote cache "+op+" failed", "key", key, "error", err)
	if h.remoteErrors.Add(1) == h.errorLimit {
		h.remoteDisabled.Store(true)
		h.logger.Warn("remote cache disabled for the remainder of the build",
			"consecutive_errors", h.errorLimit)
	}
}

func (h *Handle) remoteSuccess() {
	h.remoteErrors.Store(0)
}

func (h *Handle) timedGet(ctx context.Context, svc Service, op string, key Key) (io.ReadCloser, int64, bool, error) {
	start := time.Now()
	body, size, miss, err := svc.Get(ctx, key)
	h.tracker.Record(op, time.Since(start))
	return body, size, miss, err
}

func (h *Handle) timedPut(ctx context.Context, svc Service, op string, key Key, body io.Reader, size int64) error {
	start := time.Now()
	err := svc.Put(ctx, key, body, size)
	h.tracker.Record(op, time.Since(start))
	return err
}

// readFull reads exactly size bytes from r.
func readFull(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative entry size %d", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
