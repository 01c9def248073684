package healthsync

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryVersionBackend(t *testing.T) {
	backend := NewMemoryVersionBackend()

	_, known, err := backend.Get("meal-1")
	require.NoError(t, err)
	require.False(t, known)

	require.NoError(t, backend.Put("meal-1", 3))
	version, known, err := backend.Get("meal-1")
	require.NoError(t, err)
	require.True(t, known)
	require.EqualValues(t, 3, version)
	require.NoError(t, backend.Close())
}

func TestJSONFileVersionBackendPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync", "versions.json")

	first := NewJSONFileVersionBackend(path)
	require.NoError(t, first.Put("meal-1", 5))
	require.NoError(t, first.Put("meal-2", 1))
	require.NoError(t, first.Close())

	second := NewJSONFileVersionBackend(path)
	version, known, err := second.Get("meal-1")
	require.NoError(t, err)
	require.True(t, known)
	require.EqualValues(t, 5, version)

	_, known, err = second.Get("never-synced")
	require.NoError(t, err)
	require.False(t, known)
}

func TestBadgerVersionBackend(t *testing.T) {
	backend, err := NewBadgerVersionBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	_, known, err := backend.Get("meal-1")
	require.NoError(t, err)
	require.False(t, known)

	require.NoError(t, backend.Put("meal-1", 7))
	version, known, err := backend.Get("meal-1")
	require.NoError(t, err)
	require.True(t, known)
	require.EqualValues(t, 7, version)
}

func TestBuildVersionBackendFromDSN(t *testing.T) {
	backend, err := BuildVersionBackendFromDSN("")
	require.NoError(t, err)
	require.Nil(t, backend)

	backend, err = BuildVersionBackendFromDSN("memory://")
	require.NoError(t, err)
	require.IsType(t, &MemoryVersionBackend{}, backend)

	path := filepath.Join(t.TempDir(), "versions.json")
	backend, err = BuildVersionBackendFromDSN("file://" + path)
	require.NoError(t, err)
	require.IsType(t, &JSONFileVersionBackend{}, backend)

	// A bare path counts as a file DSN.
	backend, err = BuildVersionBackendFromDSN(path)
	require.NoError(t, err)
	require.IsType(t, &JSONFileVersionBackend{}, backend)

	_, err = BuildVersionBackendFromDSN("carrier-pigeon://coop")
	require.ErrorIs(t, err, ErrInvalidDSN)
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	sentinel := NewMemoryVersionBackend()
	RegisterVersionBackendFactory("testscheme", func(dsn string) (VersionBackend, error) {
		require.Equal(t, "testscheme://anything", dsn)
		return sentinel, nil
	})

	backend, err := BuildVersionBackendFromDSN("testscheme://anything")
	require.NoError(t, err)
	require.Same(t, sentinel, backend)

	RegisterVersionBackendFactory("failscheme", func(string) (VersionBackend, error) {
		return nil, errors.New("factory exploded")
	})
	_, err = BuildVersionBackendFromDSN("failscheme://x")
	require.Error(t, err)
}
