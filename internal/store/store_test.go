package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStore_ModeSelection(t *testing.T) {
	ctx := t.Context()

	s, err := New(ctx, Config{Dir: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)
	assert.IsType(t, &fsBackend{}, s.backend)
	require.NoError(t, s.Close())

	s, err = New(ctx, Config{SQLitePath: filepath.Join(t.TempDir(), "store.db"), Logger: testLogger()})
	require.NoError(t, err)
	assert.IsType(t, &sqliteBackend{}, s.backend)
	require.NoError(t, s.Close())

	s, err = New(ctx, Config{Logger: testLogger()})
	require.NoError(t, err)
	assert.IsType(t, &memoryBackend{}, s.backend)
	require.NoError(t, s.Close())
}

func TestStore_FilesystemRoundTrip(t *testing.T) {
	ctx := t.Context()
	s, err := New(ctx, Config{Dir: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteChunk(ctx, "obj1", 5, []byte("world")))
	require.NoError(t, s.WriteChunk(ctx, "obj1", 0, []byte("hello")))
	require.NoError(t, s.Finalize(ctx, "obj1"))

	data, err := s.ReadData(ctx, "obj1")
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestStore_SQLiteRoundTripOutOfOrder(t *testing.T) {
	ctx := t.Context()
	s, err := New(ctx, Config{SQLitePath: filepath.Join(t.TempDir(), "store.db"), Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteChunk(ctx, "obj1", 5, []byte("world")))
	require.NoError(t, s.WriteChunk(ctx, "obj1", 0, []byte("hello")))
	require.NoError(t, s.Finalize(ctx, "obj1"))

	data, err := s.ReadData(ctx, "obj1")
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestStore_BufferedModeComposesSingleWrite(t *testing.T) {
	ctx := t.Context()
	s, err := New(ctx, Config{Buffered: true, Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteChunk(ctx, "obj1", 10, []byte("!")))
	require.NoError(t, s.WriteChunk(ctx, "obj1", 0, []byte("hello")))
	require.NoError(t, s.WriteChunk(ctx, "obj1", 5, []byte(" world")))
	require.NoError(t, s.Finalize(ctx, "obj1"))

	data, err := s.ReadData(ctx, "obj1")
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(data))
}

func TestStore_ReadMissingObjectReturnsErrNotFound(t *testing.T) {
	ctx := t.Context()
	s, err := New(ctx, Config{Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadData(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteIsTolerantOfMissingObject(t *testing.T) {
	ctx := t.Context()
	s, err := New(ctx, Config{Dir: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Delete(ctx, "never-written"))
}

func TestConcatSorted(t *testing.T) {
	chunks := map[int64][]byte{
		10: []byte("!"),
		0:  []byte("hello"),
		5:  []byte(" world"),
	}
	assert.Equal(t, "hello world!", string(concatSorted(chunks)))
}
