// Package tee fans a single producer's stream of chunks out to N independent
// consumer channels with bounded backpressure. It has no direct analogue in
// the teacher codebase; it is built in the teacher's concurrency idiom —
// slog-logged waits, context-aware suspension points, prometheus counters
// for anything that degrades silently otherwise.
package tee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

// ErrPersistentBackpressure is returned when a receiver is still full after
// the bounded blocking send window elapses. It is a terminal failure
// (resilience.Terminal) — the migration halts rather than buffering forever.
var ErrPersistentBackpressure = resilience.WithClass(
	errors.New("tee: receiver still full after bounded wait"),
	resilience.Terminal,
)

const (
	yieldInterval  = 100 * time.Millisecond
	slowWaitWarn   = 5 * time.Second
	boundedSendCap = 1 * time.Second
)

var teeMetrics = newTeeMetrics()

type metrics struct {
	backpressureEvents prometheus.Counter
	persistentFailures prometheus.Counter
}

func newTeeMetrics() *metrics {
	return &metrics{
		backpressureEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "migrate_engine",
			Subsystem: "tee",
			Name:      "backpressure_events_total",
			Help:      "Number of times a receiver required a bounded blocking send",
		}),
		persistentFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "migrate_engine",
			Subsystem: "tee",
			Name:      "persistent_backpressure_total",
			Help:      "Number of times a receiver never drained within the bounded wait",
		}),
	}
}

// Receiver is one of the N fan-out destinations created by New. Consumers
// range over Chan() until it closes.
type Receiver struct {
	name string
	ch   chan domain.DataChunk
}

// Chan returns the channel this receiver reads chunks from.
func (r *Receiver) Chan() <-chan domain.DataChunk {
	return r.ch
}

// Name identifies the receiver in log lines (e.g. "storage", "upload").
func (r *Receiver) Name() string {
	return r.name
}

// Sender is the single producer side of a tee.
type Sender struct {
	receivers []*Receiver
	logger    *slog.Logger
}

// New creates a Sender and n named Receivers, each buffered to capacity.
// names must have length n; if shorter, remaining receivers are named by
// index.
func New(capacity, n int, names []string, logger *slog.Logger) (*Sender, []*Receiver) {
	if logger == nil {
		logger = slog.Default()
	}
	receivers := make([]*Receiver, n)
	for i := 0; i < n; i++ {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if name == "" {
			name = defaultName(i)
		}
		receivers[i] = &Receiver{name: name, ch: make(chan domain.DataChunk, capacity)}
	}
	return &Sender{receivers: receivers, logger: logger}, receivers
}

func defaultName(i int) string {
	return fmt.Sprintf("receiver-%d", i)
}

// Send delivers chunk to every receiver. It first attempts a non-blocking
// send to each; any receiver that is full gets a logged backpressure
// warning, a ~100ms yield, then a bounded blocking send (capped at
// ~1s). A single receiver's wait crossing ~5s is logged as a slow-channel
// warning; with the ~1s bound the wait ends first, so that warning does not
// fire. If the bound elapses without the receiver draining, Send returns
// ErrPersistentBackpressure.
func (s *Sender) Send(ctx context.Context, chunk domain.DataChunk) error {
	pending := s.receivers[:0:0]
	for _, r := range s.receivers {
		select {
		case r.ch <- chunk:
		default:
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	teeMetrics.backpressureEvents.Inc()
	for _, r := range pending {
		s.logger.Warn("tee: receiver full, yielding before blocking send", "receiver", r.Name())
	}

	select {
	case <-time.After(yieldInterval):
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, r := range pending {
		if err := s.blockingSend(ctx, r, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) blockingSend(ctx context.Context, r *Receiver, chunk domain.DataChunk) error {
	start := time.Now()
	warnTimer := time.NewTimer(slowWaitWarn)
	defer warnTimer.Stop()
	boundTimer := time.NewTimer(boundedSendCap)
	defer boundTimer.Stop()

	for {
		select {
		case r.ch <- chunk:
			return nil
		case <-warnTimer.C:
			s.logger.Warn("tee: receiver slow to drain", "receiver", r.Name(), "waited", time.Since(start))
		case <-boundTimer.C:
			teeMetrics.persistentFailures.Inc()
			s.logger.Error("tee: persistent backpressure, aborting", "receiver", r.Name(), "waited", time.Since(start))
			return ErrPersistentBackpressure
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes every receiver channel. Must be called exactly once, after
// the producer has sent its final chunk.
func (s *Sender) Close() {
	for _, r := range s.receivers {
		close(r.ch)
	}
}
