package manifest

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/crudfs/internal/apperr"
)

func TestInitThenOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")

	_, err := Init(path, testAddress)
	require.NoError(t, err)

	_, err = Init(path, testAddress)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, testAddress, s.Address())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "manifest.json"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOpenIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	_, err := Init(path, testAddress)
	require.NoError(t, err)

	first, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, first.Close())
	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	_, err := Init(path, testAddress)
	require.NoError(t, err)

	s, err := Open(path)
	require.NoError(t, err)
	r := sampleRecord(t, "/tmp/x", "hello")
	require.NoError(t, s.Add(r))
	require.NoError(t, s.Close())

	onDisk, err := Read(path)
	require.NoError(t, err)
	assert.True(t, onDisk.Contains("/tmp/x"))

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Remove("/tmp/x"))
	assert.False(t, s.Contains("/tmp/x"))
	onDisk, _ = Read(path)
	assert.False(t, onDisk.Contains("/tmp/x"))
}

func TestUpdateRollsBackOnFailure(t *testing.T) {
	m, _ := New(testAddress)
	s := NewMemStore(afero.NewMemMapFs(), "/manifest.json", m)

	boom := errors.New("boom")
	err := s.Update(func(m *Manifest) error {
		m.Add(sampleRecord(t, "/a", "a"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Contains("/a"))

	ro := NewMemStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/manifest.json", m)
	err = ro.Add(sampleRecord(t, "/a", "a"))
	assert.ErrorIs(t, err, apperr.ErrIO)
	assert.False(t, ro.Contains("/a"))
}

func TestSnapshotIsIndependent(t *testing.T) {
	m, _ := New(testAddress)
	s := NewMemStore(afero.NewMemMapFs(), "/manifest.json", m)
	require.NoError(t, s.Add(sampleRecord(t, "/a", "a")))

	snap := s.Snapshot()
	snap.Remove("/a")
	assert.True(t, s.Contains("/a"))
}
