package tee

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSend_DeliversToAllReceivers(t *testing.T) {
	sender, receivers := New(4, 2, []string{"storage", "upload"}, testLogger())
	ctx := t.Context()

	chunk := domain.DataChunk{Kind: domain.ChunkRepo, Sequence: 1, Data: []byte("x")}
	require.NoError(t, sender.Send(ctx, chunk))
	sender.Close()

	for _, r := range receivers {
		got, ok := <-r.Chan()
		require.True(t, ok)
		assert.Equal(t, chunk.Sequence, got.Sequence)
		_, ok = <-r.Chan()
		assert.False(t, ok, "channel should be closed after Close")
	}
}

func TestSend_OrderingPreservedPerReceiver(t *testing.T) {
	sender, receivers := New(8, 1, []string{"only"}, testLogger())
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(ctx, domain.DataChunk{Sequence: i}))
	}
	sender.Close()

	var seen []int
	for chunk := range receivers[0].Chan() {
		seen = append(seen, chunk.Sequence)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestSend_RecoversFromTransientBackpressure(t *testing.T) {
	sender, receivers := New(1, 1, []string{"slow"}, testLogger())
	ctx := t.Context()

	require.NoError(t, sender.Send(ctx, domain.DataChunk{Sequence: 0}))

	done := make(chan error, 1)
	go func() {
		done <- sender.Send(ctx, domain.DataChunk{Sequence: 1})
	}()

	time.Sleep(150 * time.Millisecond)
	<-receivers[0].Chan()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not complete after receiver drained")
	}
	sender.Close()
}

func TestSend_PersistentBackpressureIsTerminal(t *testing.T) {
	sender, _ := New(1, 1, []string{"stuck"}, testLogger())
	ctx := t.Context()

	require.NoError(t, sender.Send(ctx, domain.DataChunk{Sequence: 0}))

	err := sender.Send(ctx, domain.DataChunk{Sequence: 1})
	require.ErrorIs(t, err, ErrPersistentBackpressure)
	assert.Equal(t, resilience.Terminal, resilience.Classify(err))
}
