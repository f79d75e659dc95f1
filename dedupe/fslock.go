package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FSLockGroup implements Group with filesystem locks, providing mutual
// exclusion across processes as well as goroutines. Use it when several
// builds share one local cache directory. Unlike SingleflightGroup it does
// not share results within the process: each caller executes fn once it
// acquires the lock, so a mirrored entry is found on disk by the callers
// that ran second.
type FSLockGroup struct {
	lockDir string
}

// NewFSLockGroup creates an FSLockGroup storing lock files under lockDir.
// An empty lockDir defaults to a directory under os.TempDir().
func NewFSLockGroup(lockDir string) (*FSLockGroup, error) {
	if lockDir == "" {
		lockDir = filepath.Join(os.TempDir(), "buildcache-dedupe-locks")
	}
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FSLockGroup{lockDir: lockDir}, nil
}

// Do executes fn under an exclusive filesystem lock for key. shared is
// always false: this implementation provides mutual exclusion, not result
// sharing.
func (g *FSLockGroup) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	// Hash the key so any key is a safe filename.
	hash := sha256.Sum256([]byte(key))
	lockPath := filepath.Join(g.lockDir, hex.EncodeToString(hash[:])+".lock")

	fileLock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	acquired, err := fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err), false
	}
	if !acquired {
		return nil, fmt.Errorf("failed to acquire lock: timeout"), false
	}
	defer fileLock.Unlock()

	v, err = fn()
	return v, err, false
}
