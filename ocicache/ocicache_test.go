package ocicache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/buildcache"
)

func TestFactoryRequiresRepository(t *testing.T) {
	_, err := Factory(context.Background(), buildcache.Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"repository" setting is required`)
}

func TestFactoryRejectsInvalidRepository(t *testing.T) {
	_, err := Factory(context.Background(), buildcache.Settings{
		"repository": "not a reference",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid repository")
}

func TestFactoryParsesRepository(t *testing.T) {
	svc, err := Factory(context.Background(), buildcache.Settings{
		"repository": "registry.example.com/org/build-cache",
		"plain_http": true,
	})
	require.NoError(t, err)
	defer svc.Close()

	b := svc.(*Backend)
	assert.Equal(t, "registry.example.com/org/build-cache", b.Repository())
	assert.True(t, b.repo.PlainHTTP)
}
