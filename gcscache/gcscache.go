// Package gcscache implements the "gcs" remote cache backend on Google
// Cloud Storage.
package gcscache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/forgebuild/buildcache"
)

// TypeID is the backend type identifier this package registers under.
const TypeID = "gcs"

// Factory builds a GCS cache backend from remote descriptor settings.
//
// Settings: "bucket" (required), "prefix" for an object name prefix.
// Credentials come from Application Default Credentials.
func Factory(ctx context.Context, settings buildcache.Settings) (buildcache.Service, error) {
	bucket := settings.String("bucket", "")
	if bucket == "" {
		return nil, errors.New("gcscache: \"bucket\" setting is required")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcscache: failed to create storage client: %w", err)
	}

	return &Backend{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: settings.String("prefix", ""),
	}, nil
}

// Backend is a GCS cache client. Safe for concurrent use.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

var _ buildcache.Service = (*Backend)(nil)
var _ buildcache.Clearer = (*Backend)(nil)

// Get streams an entry from GCS. A missing object is a miss, not an error.
func (b *Backend) Get(ctx context.Context, key buildcache.Key) (io.ReadCloser, int64, bool, error) {
	reader, err := b.bucket.Object(b.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("gcscache: get %q: %w", key, err)
	}
	return reader, reader.Attrs.Size, false, nil
}

// Put uploads an entry. The object only becomes visible when the writer
// closes cleanly, so readers never see a partial entry.
func (b *Backend) Put(ctx context.Context, key buildcache.Key, body io.Reader, size int64) error {
	writer := b.bucket.Object(b.objectName(key)).NewWriter(ctx)
	written, err := io.Copy(writer, body)
	if err != nil {
		writer.Close()
		return fmt.Errorf("gcscache: put %q: %w", key, err)
	}
	if written != size {
		writer.Close()
		return fmt.Errorf("gcscache: put %q: size mismatch: expected %d, wrote %d", key, size, written)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("gcscache: put %q: %w", key, err)
	}
	return nil
}

// Close releases the storage client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Clear deletes every object under the backend's prefix.
func (b *Backend) Clear(ctx context.Context) error {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gcscache: failed to list objects: %w", err)
		}
		if err := b.bucket.Object(attrs.Name).Delete(ctx); err != nil {
			return fmt.Errorf("gcscache: failed to delete %q: %w", attrs.Name, err)
		}
	}
}

// objectName maps a cache key onto a GCS object name.
func (b *Backend) objectName(key buildcache.Key) string {
	return b.prefix + string(key)
}
