//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/shmcounters/internal/counters"
)

func TestFileSegment_SharedBetweenMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters")

	created, err := Create(path, 16)
	require.NoError(t, err)
	defer func() { assert.NoError(t, created.Close()) }()

	manager, err := counters.NewManager(created.Values(), created.Metadata())
	require.NoError(t, err)

	_, err = Open(path, true)
	assert.ErrorIs(t, err, ErrNotReady)
	created.MarkReady()

	id, err := manager.AddCounter(7, []byte("k"), "shared", 99, 1)
	require.NoError(t, err)

	opened, err := Open(path, false)
	require.NoError(t, err)
	defer func() { assert.NoError(t, opened.Close()) }()

	assert.Equal(t, created.Layout(), opened.Layout())
	reader, err := counters.NewReader(opened.Values(), opened.Metadata())
	require.NoError(t, err)

	assert.Equal(t, id, reader.FindByRegistrationID(99))
	assert.Equal(t, "shared", reader.CounterLabel(id))

	// a value written through one mapping is seen through the other
	counter, err := counters.NewCounter(reader, 99, id)
	require.NoError(t, err)
	counter.Set(1234)
	assert.Equal(t, int64(1234), manager.CounterValue(id))
}

func TestFileSegment_CreatorRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters")

	s, err := Create(path, 4)
	require.NoError(t, err)

	_, err = Create(path, 4)
	assert.Error(t, err, "existing segments are never clobbered")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpen_RejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("tiny"), 0o644))
	_, err := Open(short, true)
	assert.ErrorIs(t, err, ErrTruncated)

	foreign := filepath.Join(dir, "foreign")
	require.NoError(t, os.WriteFile(foreign, make([]byte, 4096), 0o644))
	_, err = Open(foreign, true)
	assert.ErrorIs(t, err, ErrBadMagic)
}
