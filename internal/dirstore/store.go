// Package dirstore implements the local directory cache store: a sharded
// on-disk layout with atomic writes, per-entry compression codecs, and
// flock-guarded maintenance so cleanup can run while other builds write.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("dirstore: store is closed")

// lockFileName is the flock file coordinating writers and maintenance
// across processes sharing one cache directory.
const lockFileName = ".buildcache.lock"

// Store is a filesystem cache store. Entries live under
// <dir>/<key[:2]>/<key> with a <key>.meta sidecar recording logical size,
// codec, and store time. All methods are safe for concurrent use.
type Store struct {
	dir    string
	codec  codec
	logger *slog.Logger
	lock   *flock.Flock
	closed atomic.Bool
}

// Option configures a Store.
type Option func(*Store) error

// WithCompression selects the codec for new entries: "none", "lz4", or
// "zstd". Existing entries keep the codec recorded in their metadata.
func WithCompression(name string) Option {
	return func(s *Store) error {
		c, err := codecFor(name)
		if err != nil {
			return err
		}
		s.codec = c
		return nil
	}
}

// WithLogger sets the logger for non-fatal diagnostics (orphan removal,
// cleanup progress). Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("dirstore: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		codec:  noneCodec{},
		logger: slog.New(slog.DiscardHandler),
		lock:   flock.New(filepath.Join(dir, lockFileName)),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put stores an entry. body must provide exactly size bytes. The data file
// is written to a temp file in the target shard and renamed into place, so
// readers never observe a partial entry; metadata is written after the data.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// Shared lock: many writers may run, but not during maintenance.
	if err := s.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock cache directory: %w", err)
	}
	defer s.lock.Unlock()

	dataPath := s.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := s.encodeBody(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if written != size {
		os.Remove(tmpPath)
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}

	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache entry: %w", err)
	}

	if err := s.writeMetadata(key, entryMetadata{
		Size:    size,
		Codec:   s.codec.name(),
		PutTime: time.Now(),
	}); err != nil {
		os.Remove(dataPath)
		return err
	}
	return nil
}

// encodeBody copies body through the store's codec into w, returning the
// number of logical (uncompressed) bytes consumed.
func (s *Store) encodeBody(w io.Writer, body io.Reader) (int64, error) {
	cw := s.codec.newWriter(w)
	written, err := io.Copy(cw, body)
	if closeErr := cw.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

// Get retrieves an entry. Corrupt or orphaned entries are removed and
// reported as a miss, never as an error: the store heals itself on read.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	if s.closed.Load() {
		return nil, 0, false, ErrClosed
	}

	meta, ok := s.readMetadata(key)
	if !ok {
		s.removeEntry(key)
		return nil, 0, true, nil
	}

	file, err := os.Open(s.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// Metadata without data: a torn write. Drop the orphan.
			s.removeEntry(key)
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("failed to open cache entry: %w", err)
	}

	c, err := codecFor(meta.Codec)
	if err != nil {
		file.Close()
		s.removeEntry(key)
		s.logger.Warn("removed cache entry with unknown codec", "key", key, "codec", meta.Codec)
		return nil, 0, true, nil
	}
	decoded, err := c.newReader(file)
	if err != nil {
		file.Close()
		return nil, 0, false, err
	}
	return &entryReader{body: decoded, file: file}, meta.Size, false, nil
}

// entryReader closes both the codec reader and the underlying file.
type entryReader struct {
	body io.ReadCloser
	file *os.File
}

func (r *entryReader) Read(p []byte) (int, error) { return r.body.Read(p) }

func (r *entryReader) Close() error {
	err := r.body.Close()
	if fileErr := r.file.Close(); err == nil {
		err = fileErr
	}
	return err
}

// Clear removes every entry from the store.
func (s *Store) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cache directory: %w", err)
	}
	defer s.lock.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Cleanup removes entries whose metadata is older than olderThan and returns
// how many were removed. It takes the directory lock exclusively, so it
// never races a writer mid-entry.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := s.lock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to lock cache directory: %w", err)
	}
	defer s.lock.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := s.walkMetaFiles(func(metaPath string) error {
		key := strings.TrimSuffix(filepath.Base(metaPath), ".meta")
		meta, ok := s.readMetadata(key)
		if !ok || meta.PutTime.Before(cutoff) {
			s.removeEntry(key)
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("cleaned up local cache", "removed", removed, "older_than", olderThan)
	}
	return removed, nil
}

// Stats reports the number of entries and their total logical size.
func (s *Store) Stats() (entries int, totalSize int64, err error) {
	if s.closed.Load() {
		return 0, 0, ErrClosed
	}
	err = s.walkMetaFiles(func(metaPath string) error {
		key := strings.TrimSuffix(filepath.Base(metaPath), ".meta")
		if meta, ok := s.readMetadata(key); ok {
			entries++
			totalSize += meta.Size
		}
		return nil
	})
	return entries, totalSize, err
}

// Close marks the store closed. Idempotent.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// walkMetaFiles calls fn for every .meta file in the store.
func (s *Store) walkMetaFiles(fn func(metaPath string) error) error {
	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		return fn(path)
	})
}

// entryMetadata holds the sidecar metadata for one cache entry.
type entryMetadata struct {
	Size    int64
	Codec   string
	PutTime time.Time
}

// writeMetadata writes the sidecar via temp-file-and-rename.
func (s *Store) writeMetadata(key string, meta entryMetadata) error {
	metaPath := s.metaPath(key)
	content := fmt.Sprintf("size:%d\ncodec:%s\ntime:%d\n",
		meta.Size, meta.Codec, meta.PutTime.Unix())

	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// readMetadata parses the sidecar for key. ok is false when the sidecar is
// missing or corrupt; callers treat that as a miss.
func (s *Store) readMetadata(key string) (entryMetadata, bool) {
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return entryMetadata{}, false
	}

	var (
		meta        entryMetadata
		putTimeUnix int64 = -1
	)
	meta.Size = -1
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "size:"):
			fmt.Sscanf(line, "size:%d", &meta.Size)
		case strings.HasPrefix(line, "codec:"):
			meta.Codec = strings.TrimPrefix(line, "codec:")
		case strings.HasPrefix(line, "time:"):
			fmt.Sscanf(line, "time:%d", &putTimeUnix)
		}
	}
	if meta.Size < 0 || meta.Codec == "" || putTimeUnix < 0 {
		return entryMetadata{}, false
	}
	meta.PutTime = time.Unix(putTimeUnix, 0)
	return meta, true
}

// removeEntry drops an entry's data and metadata, ignoring errors: it is
// only called on entries already considered gone.
func (s *Store) removeEntry(key string) {
	os.Remove(s.dataPath(key))
	os.Remove(s.metaPath(key))
}

// dataPath returns <dir>/<key[:2]>/<key>, fanning entries out over up to
// 256 shard directories.
func (s *Store) dataPath(key string) string {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.dir, shard, key)
}

func (s *Store) metaPath(key string) string {
	return s.dataPath(key) + ".meta"
}
