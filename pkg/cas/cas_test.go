package cas

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestInsertBytesIdempotent(t *testing.T) {
	s := newStore(t)
	data := []byte("hello world")

	h1, err := s.InsertBytes(data)
	require.NoError(t, err)
	h2, err := s.InsertBytes(data)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	shardDir := filepath.Join(s.Root(), h1[:2])
	entries, err := os.ReadDir(shardDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInsertReaderMatchesInsertBytes(t *testing.T) {
	s := newStore(t)
	data := []byte("streamed content")

	hBytes, err := s.InsertBytes(data)
	require.NoError(t, err)

	hReader, err := s.InsertReader(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, hBytes, hReader)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Read("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadAllRoundTrip(t *testing.T) {
	s := newStore(t)
	data := []byte("round trip data")
	h, err := s.InsertBytes(data)
	require.NoError(t, err)

	out, err := s.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestMaterializeHardlinksByDefault(t *testing.T) {
	s := newStore(t)
	data := []byte("materialize me")
	h, err := s.InsertBytes(data)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, s.Materialize(h, dest, true))

	srcInfo, err := os.Stat(s.Path(h))
	require.NoError(t, err)
	dstInfo, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo))
}

func TestMaterializeCopyWhenLinkFalse(t *testing.T) {
	s := newStore(t)
	data := []byte("copy me")
	h, err := s.InsertBytes(data)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.Materialize(h, dest, false))

	out, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	srcInfo, _ := os.Stat(s.Path(h))
	dstInfo, _ := os.Stat(dest)
	assert.False(t, os.SameFile(srcInfo, dstInfo))
}

func TestPruneRemovesUnreferencedBlobs(t *testing.T) {
	s := newStore(t)
	data := []byte("prunable")
	h, err := s.InsertBytes(data)
	require.NoError(t, err)

	result, err := s.Prune()
	require.NoError(t, err)
	assert.Contains(t, result.RemovedHashes, h)

	_, err = s.Read(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrunePreservesHardlinkedBlobs(t *testing.T) {
	s := newStore(t)
	data := []byte("kept")
	h, err := s.InsertBytes(data)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "linked.txt")
	require.NoError(t, s.Materialize(h, dest, true))

	_, err = s.Prune()
	require.NoError(t, err)

	_, err = s.Read(h)
	assert.NoError(t, err)
}
