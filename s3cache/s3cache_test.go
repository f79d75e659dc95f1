package s3cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/buildcache"
)

// fakeS3 implements the api interface over a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestFactoryRequiresBucket(t *testing.T) {
	_, err := Factory(context.Background(), buildcache.Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bucket" setting is required`)
}

func TestObjectKeyMapping(t *testing.T) {
	assert.Equal(t, "ab12cd34", New(newFakeS3(), "bucket", "").objectKey("ab12cd34"))
	assert.Equal(t, "cache/ab12cd34", New(newFakeS3(), "bucket", "cache/").objectKey("ab12cd34"))
}

func TestRoundtrip(t *testing.T) {
	fake := newFakeS3()
	b := New(fake, "bucket", "cache/")
	ctx := context.Background()
	payload := []byte("task output")

	require.NoError(t, b.Put(ctx, "ab12cd34", bytes.NewReader(payload), int64(len(payload))))
	assert.Contains(t, fake.objects, "cache/ab12cd34")

	body, size, miss, err := b.Get(ctx, "ab12cd34")
	require.NoError(t, err)
	require.False(t, miss)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), size)
}

func TestGetMiss(t *testing.T) {
	b := New(newFakeS3(), "bucket", "")
	_, _, miss, err := b.Get(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.True(t, miss)
}

func TestClear(t *testing.T) {
	fake := newFakeS3()
	b := New(fake, "bucket", "")
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "ab12cd34", bytes.NewReader([]byte("one")), 3))
	require.NoError(t, b.Put(ctx, "cd56ef78", bytes.NewReader([]byte("two")), 3))
	require.NoError(t, b.Clear(ctx))

	assert.Empty(t, fake.objects)
	assert.Equal(t, 1, fake.deletes, "two objects fit in one delete batch")
}

func TestClearEmptyBucket(t *testing.T) {
	fake := newFakeS3()
	b := New(fake, "bucket", "")
	require.NoError(t, b.Clear(context.Background()))
	assert.Zero(t, fake.deletes)
}
