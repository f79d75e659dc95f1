// Package ocicache implements the "oci" remote cache backend on an OCI
// registry. Each cache entry is stored as a small artifact: an empty JSON
// config, one layer blob holding the entry body, and a manifest tagged with
// the cache key. Any registry that hosts container images can host a build
// cache.
package ocicache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/forgebuild/buildcache"
)

// TypeID is the backend type identifier this package registers under.
const TypeID = "oci"

// Media types for cache entry artifacts.
const (
	artifactType   = "application/vnd.forgebuild.buildcache.v1"
	layerMediaType = "application/vnd.forgebuild.buildcache.entry.v1"
)

// Factory builds an OCI registry cache backend from remote descriptor
// settings.
//
// Settings: "repository" (required, e.g. "ghcr.io/org/build-cache"),
// "username"/"password" for registry auth, "plain_http" for local
// registries without TLS.
func Factory(ctx context.Context, settings buildcache.Settings) (buildcache.Service, error) {
	repoRef := settings.String("repository", "")
	if repoRef == "" {
		return nil, errors.New("ocicache: \"repository\" setting is required")
	}

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, fmt.Errorf("ocicache: invalid repository %q: %w", repoRef, err)
	}
	repo.PlainHTTP = settings.Bool("plain_http", false)

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if username := settings.String("username", ""); username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: username,
			Password: settings.String("password", ""),
		})
	}
	repo.Client = client

	return &Backend{repo: repo}, nil
}

// Backend stores cache entries as tagged OCI artifacts. Safe for concurrent
// use.
type Backend struct {
	repo *remote.Repository
}

var _ buildcache.Service = (*Backend)(nil)

// Get resolves the manifest tagged with key and streams its entry layer.
func (b *Backend) Get(ctx context.Context, key buildcache.Key) (io.ReadCloser, int64, bool, error) {
	manifestDesc, err := b.repo.Resolve(ctx, string(key))
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("ocicache: resolve %q: %w", key, err)
	}

	rc, err := b.repo.Manifests().Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, 0, false, fmt.Errorf("ocicache: fetch manifest %q: %w", key, err)
	}
	manifestJSON, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, 0, false, fmt.Errorf("ocicache: read manifest %q: %w", key, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, 0, false, fmt.Errorf("ocicache: decode manifest %q: %w", key, err)
	}
	if len(manifest.Layers) != 1 {
		return nil, 0, false, fmt.Errorf("ocicache: manifest %q has %d layers, want 1", key, len(manifest.Layers))
	}

	layer := manifest.Layers[0]
	body, err := b.repo.Blobs().Fetch(ctx, layer)
	if err != nil {
		return nil, 0, false, fmt.Errorf("ocicache: fetch entry %q: %w", key, err)
	}
	return body, layer.Size, false, nil
}

// Put uploads the entry as a layer blob plus a manifest tagged with key.
// The body is buffered to compute its digest; cache entries are task
// outputs, not images, so this stays small in practice.
func (b *Backend) Put(ctx context.Context, key buildcache.Key, body io.Reader, size int64) error {
	data := make([]byte, size)
	if _, err := io.ReadFull(body, data); err != nil {
		return fmt.Errorf("ocicache: read entry %q: %w", key, err)
	}

	configDesc := ocispec.DescriptorEmptyJSON
	if err := b.pushBlob(ctx, configDesc, configDesc.Data); err != nil {
		return fmt.Errorf("ocicache: push config for %q: %w", key, err)
	}

	layerDesc := ocispec.Descriptor{
		MediaType: layerMediaType,
		Digest:    digest.FromBytes(data),
		Size:      size,
	}
	if err := b.pushBlob(ctx, layerDesc, data); err != nil {
		return fmt.Errorf("ocicache: push entry %q: %w", key, err)
	}

	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: artifactType,
		Config:       configDesc,
		Layers:       []ocispec.Descriptor{layerDesc},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("ocicache: encode manifest %q: %w", key, err)
	}
	manifestDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(manifestJSON),
		Size:      int64(len(manifestJSON)),
	}
	if err := b.repo.Manifests().PushReference(ctx, manifestDesc, bytes.NewReader(manifestJSON), string(key)); err != nil {
		return fmt.Errorf("ocicache: push manifest %q: %w", key, err)
	}
	return nil
}

// Close is a no-op; the repository client holds no per-backend resources.
func (b *Backend) Close() error { return nil }

// Repository returns the repository reference entries are stored under.
func (b *Backend) Repository() string { return b.repo.Reference.String() }

// pushBlob uploads a blob unless the registry already has it.
func (b *Backend) pushBlob(ctx context.Context, desc ocispec.Descriptor, data []byte) error {
	exists, err := b.repo.Blobs().Exists(ctx, desc)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.repo.Blobs().Push(ctx, desc, bytes.NewReader(data))
}
