package buildcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopFactory(ctx context.Context, settings Settings) (Service, error) {
	return nil, nil
}

func TestRegistryPreRegistersLocal(t *testing.T) {
	reg := NewRegistry()

	factory, err := reg.Lookup(LocalType)
	require.NoError(t, err)
	assert.NotNil(t, factory)
	assert.Equal(t, []string{"local"}, reg.Types())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("http", nopFactory))
	require.NoError(t, reg.Register("s3", nopFactory))

	factory, err := reg.Lookup("http")
	require.NoError(t, err)
	assert.NotNil(t, factory)

	assert.Equal(t, []string{"http", "local", "s3"}, reg.Types())
}

func TestRegistryLookupUnregistered(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Lookup("tape-drive")
	var unregistered *UnregisteredBackendError
	require.ErrorAs(t, err, &unregistered)
	assert.Equal(t, "tape-drive", unregistered.TypeID)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("http", nopFactory))
	err := reg.Register("http", nopFactory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryRejectsLocalOverride(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(LocalType, nopFactory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register("", nopFactory))
	assert.Error(t, reg.Register("   ", nopFactory))
	assert.Error(t, reg.Register("http", nil))
}

func TestRegistrySealedRejectsRegistration(t *testing.T) {
	reg := NewRegistry()
	reg.seal()

	err := reg.Register("http", nopFactory)
	assert.ErrorIs(t, err, ErrConfigurationFrozen)

	// Lookup still works after sealing.
	_, err = reg.Lookup(LocalType)
	assert.NoError(t, err)
}
