// Package s3cache implements the "s3" remote cache backend on Amazon S3.
package s3cache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forgebuild/buildcache"
)

// TypeID is the backend type identifier this package registers under.
const TypeID = "s3"

// api is the slice of the S3 client the backend uses. Narrowed so tests can
// substitute a fake.
type api interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Factory builds an S3 cache backend from remote descriptor settings.
//
// Settings: "bucket" (required), "prefix" for a key prefix within the
// bucket, "region" to override the ambient AWS region. Credentials come
// from the standard AWS environment/config chain.
func Factory(ctx context.Context, settings buildcache.Settings) (buildcache.Service, error) {
	bucket := settings.String("bucket", "")
	if bucket == "" {
		return nil, errors.New("s3cache: \"bucket\" setting is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := settings.String("region", ""); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3cache: failed to load AWS config: %w", err)
	}

	return New(s3.NewFromConfig(cfg), bucket, settings.String("prefix", "")), nil
}

// New creates a backend over an existing S3 client.
func New(client api, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

// Backend is an S3 cache client. Safe for concurrent use.
type Backend struct {
	client api
	bucket string
	prefix string
}

var _ buildcache.Service = (*Backend)(nil)
var _ buildcache.Clearer = (*Backend)(nil)

// Get streams an entry from S3. A missing object is a miss, not an error.
func (b *Backend) Get(ctx context.Context, key buildcache.Key) (io.ReadCloser, int64, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("s3cache: get %q: %w", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), false, nil
}

// Put uploads an entry with an explicit content length so the SDK does not
// buffer to compute one.
func (b *Backend) Put(ctx context.Context, key buildcache.Key, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3cache: put %q: %w", key, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no per-backend resources.
func (b *Backend) Close() error { return nil }

// Clear deletes every object under the backend's prefix, batching deletes at
// the S3 limit of 1000 objects per request.
func (b *Backend) Clear(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	var toDelete []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3cache: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for i := 0; i < len(toDelete); i += 1000 {
		end := min(i+1000, len(toDelete))
		_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{
				Objects: toDelete[i:end],
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("s3cache: failed to delete objects: %w", err)
		}
	}
	return nil
}

// objectKey maps a cache key onto an S3 object key.
func (b *Backend) objectKey(key buildcache.Key) string {
	return b.prefix + string(key)
}

// isNotFound reports whether err is S3's missing-object error. GetObject
// returns NoSuchKey; HeadObject surfaces a generic NotFound.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
