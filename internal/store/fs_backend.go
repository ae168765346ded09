package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// fsBackend is the primary C3 backend: each logical object is one file
// named "<id>.data", written at explicit offsets so non-sequential chunks
// still compose into a contiguous file.
type fsBackend struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

func newFSBackend(dir string, logger *slog.Logger) (*fsBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("filesystem backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &fsBackend{dir: dir, logger: logger, files: make(map[string]*os.File)}, nil
}

func (b *fsBackend) path(id string) string {
	return filepath.Join(b.dir, id+".data")
}

func (b *fsBackend) openLocked(id string) (*os.File, error) {
	if f, ok := b.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(b.path(id), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	b.files[id] = f
	return f, nil
}

func (b *fsBackend) WriteChunk(ctx context.Context, id string, offset int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.openLocked(id)
	if err != nil {
		return fmt.Errorf("opening %s: %w", id, err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing %s at offset %d: %w", id, offset, err)
	}
	return nil
}

func (b *fsBackend) Finalize(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.files[id]
	if !ok {
		return nil
	}
	delete(b.files, id)
	return f.Close()
}

func (b *fsBackend) ReadData(ctx context.Context, id string) ([]byte, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *fsBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	if f, ok := b.files[id]; ok {
		f.Close()
		delete(b.files, id)
	}
	b.mu.Unlock()

	err := os.Remove(b.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *fsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.files, id)
	}
	return firstErr
}
