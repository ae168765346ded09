package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storepkg "github.com/atproto-tools/migrate-engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	items map[string][]byte
	order []Item
}

func (s *fakeSource) ListItems(ctx context.Context) ([]Item, error) {
	return s.order, nil
}

func (s *fakeSource) FetchStream(ctx context.Context, item Item) (io.ReadCloser, error) {
	data, ok := s.items[item.ID]
	if !ok {
		return nil, errors.New("no such item")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeTarget struct {
	missing []string

	mu       sync.Mutex
	uploaded map[string][]byte
	failFor  map[string]error
}

func (t *fakeTarget) ListMissing(ctx context.Context) ([]string, error) {
	return t.missing, nil
}

func (t *fakeTarget) UploadData(ctx context.Context, id string, data []byte, mime string) error {
	if err, ok := t.failFor[id]; ok {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uploaded == nil {
		t.uploaded = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.uploaded[id] = cp
	return nil
}

func TestSync_MigratesAllItemsWhenTargetHasNothing(t *testing.T) {
	ctx := t.Context()
	src := &fakeSource{
		items: map[string][]byte{"cid1": []byte("hello"), "cid2": []byte("world!!")},
		order: []Item{{ID: "cid1", MIME: "image/png"}, {ID: "cid2", MIME: "image/png"}},
	}
	tgt := &fakeTarget{}
	st, err := storepkg.New(ctx, storepkg.Config{Logger: testLogger()})
	require.NoError(t, err)
	defer st.Close()

	result, err := Sync(ctx, src, tgt, st, Options{ChunkSize: 2, Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalItems)
	assert.Equal(t, 2, result.SuccessfulItems)
	assert.Empty(t, result.FailedItems)
	assert.Equal(t, []byte("hello"), tgt.uploaded["cid1"])
	assert.Equal(t, []byte("world!!"), tgt.uploaded["cid2"])

	stored, err := st.ReadData(ctx, "cid1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), stored)
}

func TestSync_IntersectsWithTargetMissingList(t *testing.T) {
	ctx := t.Context()
	src := &fakeSource{
		items: map[string][]byte{"cid1": []byte("a"), "cid2": []byte("b")},
		order: []Item{{ID: "cid1", MIME: "image/png"}, {ID: "cid2", MIME: "image/png"}},
	}
	tgt := &fakeTarget{missing: []string{"cid2"}}
	st, err := storepkg.New(ctx, storepkg.Config{Logger: testLogger()})
	require.NoError(t, err)
	defer st.Close()

	result, err := Sync(ctx, src, tgt, st, Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalItems)
	assert.Equal(t, 1, result.SuccessfulItems)
	assert.Nil(t, tgt.uploaded["cid1"])
	assert.Equal(t, []byte("b"), tgt.uploaded["cid2"])
}

func TestSync_RecordsPerItemFailureAndContinues(t *testing.T) {
	ctx := t.Context()
	src := &fakeSource{
		items: map[string][]byte{"cid1": []byte("a"), "cid2": []byte("b")},
		order: []Item{{ID: "cid1", MIME: "image/png"}, {ID: "cid2", MIME: "image/png"}},
	}
	tgt := &fakeTarget{failFor: map[string]error{"cid1": errors.New("upload rejected")}}
	st, err := storepkg.New(ctx, storepkg.Config{Logger: testLogger()})
	require.NoError(t, err)
	defer st.Close()

	result, err := Sync(ctx, src, tgt, st, Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalItems)
	assert.Equal(t, 1, result.SuccessfulItems)
	require.Len(t, result.FailedItems, 1)
	assert.Equal(t, "cid1", result.FailedItems[0].ItemID)
	assert.Equal(t, []byte("b"), tgt.uploaded["cid2"])
}

func TestSync_EmptyItemListSucceeds(t *testing.T) {
	ctx := t.Context()
	src := &fakeSource{items: map[string][]byte{}, order: nil}
	tgt := &fakeTarget{}
	st, err := storepkg.New(ctx, storepkg.Config{Logger: testLogger()})
	require.NoError(t, err)
	defer st.Close()

	result, err := Sync(ctx, src, tgt, st, Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalItems)
}
