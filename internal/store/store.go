// Package store implements the migration engine's local object store (C3):
// a streaming-write, keyed, finalize-then-read object store used to land
// repository exports and blobs before they are uploaded to the target PDS.
//
// Two backends are available: a filesystem backend (one file per object,
// written at explicit offsets — the primary) and a SQLite backend (chunk
// rows keyed by (id, offset), concatenated on read — the fallback used
// when no writable directory is configured). An additional in-memory
// buffering mode composes possibly out-of-order chunks into one growing
// buffer before a single write on Finalize.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/atproto-tools/migrate-engine/pkg/metrics"
)

// watermarkBytes is the in-flight buffered-bytes threshold above which the
// store logs a warning, per spec: "a memory watermark of 10 MB across all
// buffers is logged as a warning."
const watermarkBytes = 10 * 1024 * 1024

// backend is the storage-engine-agnostic contract every Store implementation
// satisfies: streaming write keyed by opaque id, finalize, whole-object read.
type backend interface {
	WriteChunk(ctx context.Context, id string, offset int64, data []byte) error
	Finalize(ctx context.Context, id string) error
	ReadData(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Mode selects which backend a Store uses.
type Mode string

const (
	// ModeFilesystem is the primary backend: one file per object.
	ModeFilesystem Mode = "filesystem"
	// ModeSQLite is the fallback backend: a chunks table.
	ModeSQLite Mode = "sqlite"
	// ModeMemory keeps every object in process memory; used for tests and
	// when neither Dir nor SQLitePath is set.
	ModeMemory Mode = "memory"
)

// Config configures Store construction.
type Config struct {
	// Mode explicitly selects a backend. If empty, Dir non-empty selects
	// ModeFilesystem (a persistent-file API is available), otherwise
	// SQLitePath non-empty selects ModeSQLite, otherwise ModeMemory.
	Mode Mode

	// Dir is the subdirectory holding "<id>.data" files (ModeFilesystem).
	Dir string

	// SQLitePath is the database file path (ModeSQLite).
	SQLitePath string

	// Buffered enables the in-memory buffering mode: chunks are composed
	// into one growing buffer and written as a single record on Finalize,
	// instead of being written chunk-by-chunk to the underlying backend.
	Buffered bool

	Logger  *slog.Logger
	Metrics *metrics.MigrationMetrics
}

// Store is the C3 local object store.
type Store struct {
	backend       backend
	logger        *slog.Logger
	metrics       *metrics.MigrationMetrics
	bufferedMu    sync.Mutex
	buffers       map[string]*objectBuffer
	buffered      bool
	inFlightBytes int64
}

type objectBuffer struct {
	chunks map[int64][]byte
	size   int64
}

// New constructs a Store, selecting a backend per cfg.Mode (or its
// filesystem-availability default) and wiring an in-memory buffering layer
// on top if cfg.Buffered is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mode := cfg.Mode
	if mode == "" {
		switch {
		case cfg.Dir != "":
			mode = ModeFilesystem
		case cfg.SQLitePath != "":
			mode = ModeSQLite
		default:
			mode = ModeMemory
		}
	}

	var b backend
	var err error
	switch mode {
	case ModeFilesystem:
		b, err = newFSBackend(cfg.Dir, cfg.Logger)
	case ModeSQLite:
		b, err = newSQLiteBackend(ctx, cfg.SQLitePath, cfg.Logger)
	case ModeMemory:
		b = newMemoryBackend()
	default:
		return nil, fmt.Errorf("store: unknown mode %q", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("store: initializing %s backend: %w", mode, err)
	}

	cfg.Logger.Info("local store initialized", "mode", mode, "buffered", cfg.Buffered)

	return &Store{
		backend:  b,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		buffered: cfg.Buffered,
		buffers:  make(map[string]*objectBuffer),
	}, nil
}

// WriteChunk writes data at offset for the object named id. Any error fails
// the stream; the object is left partially present/indexed — recovery is
// Delete then restart.
func (s *Store) WriteChunk(ctx context.Context, id string, offset int64, data []byte) error {
	if !s.buffered {
		if err := s.backend.WriteChunk(ctx, id, offset, data); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.BytesStoredTotal.Add(float64(len(data)))
		}
		return nil
	}

	s.bufferedMu.Lock()
	buf, ok := s.buffers[id]
	if !ok {
		buf = &objectBuffer{chunks: make(map[int64][]byte)}
		s.buffers[id] = buf
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	buf.chunks[offset] = cp
	buf.size += int64(len(cp))
	total := atomic.AddInt64(&s.inFlightBytes, int64(len(cp)))
	s.bufferedMu.Unlock()

	if s.metrics != nil {
		s.metrics.StoreWatermarkBytes.Set(float64(total))
	}
	if total > watermarkBytes {
		s.logger.Warn("store in-flight buffer watermark exceeded", "bytes", total, "watermark", watermarkBytes)
	}
	return nil
}

// Finalize commits the object named id. In buffered mode this sorts
// accumulated chunks by offset, concatenates, and performs a single
// underlying write before delegating to the backend's own Finalize.
func (s *Store) Finalize(ctx context.Context, id string) error {
	if s.buffered {
		s.bufferedMu.Lock()
		buf, ok := s.buffers[id]
		delete(s.buffers, id)
		if ok {
			atomic.AddInt64(&s.inFlightBytes, -buf.size)
		}
		s.bufferedMu.Unlock()

		if ok {
			data := concatSorted(buf.chunks)
			if err := s.backend.WriteChunk(ctx, id, 0, data); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.BytesStoredTotal.Add(float64(len(data)))
			}
		}
	}
	return s.backend.Finalize(ctx, id)
}

// ReadData returns the concatenation of all chunks written for id, in
// offset order.
func (s *Store) ReadData(ctx context.Context, id string) ([]byte, error) {
	return s.backend.ReadData(ctx, id)
}

// Delete removes the object named id. Tolerant of a non-existent object.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.bufferedMu.Lock()
	delete(s.buffers, id)
	s.bufferedMu.Unlock()
	return s.backend.Delete(ctx, id)
}

// Close releases any backend resources (e.g. the SQLite connection).
func (s *Store) Close() error {
	return s.backend.Close()
}

func concatSorted(chunks map[int64][]byte) []byte {
	offsets := make([]int64, 0, len(chunks))
	for off := range chunks {
		offsets = append(offsets, off)
	}
	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j-1] > offsets[j]; j-- {
			offsets[j-1], offsets[j] = offsets[j], offsets[j-1]
		}
	}
	var out []byte
	for _, off := range offsets {
		out = append(out, chunks[off]...)
	}
	return out
}

// ErrNotFound is returned by ReadData when no chunks exist for an id.
var ErrNotFound = errors.New("store: object not found")
