package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Bus broadcasts events to every subscribed observer. Grounded on
// internal/realtime.EventBus.
type Bus interface {
	Subscribe(sub Subscriber) error
	Unsubscribe(sub Subscriber) error
	Publish(event Event) error
	ActiveSubscribers() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DefaultBus is the Bus implementation every Dispatcher publishes through.
type DefaultBus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventChan   chan Event
	sequence    int64
	logger      *slog.Logger
	metrics     *BusMetrics
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewBus creates a DefaultBus with a 1000-event buffered broadcast channel.
func NewBus(logger *slog.Logger, metrics *BusMetrics) *DefaultBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultBus{
		subscribers: make(map[Subscriber]bool),
		eventChan:   make(chan Event, 1000),
		logger:      logger.With("component", "events_bus"),
		metrics:     metrics,
		stopChan:    make(chan struct{}),
	}
}

func (b *DefaultBus) Subscribe(sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = true
	if b.metrics != nil {
		b.metrics.SubscribersActive.Set(float64(len(b.subscribers)))
	}
	return nil
}

func (b *DefaultBus) Unsubscribe(sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		sub.Close()
		if b.metrics != nil {
			b.metrics.SubscribersActive.Set(float64(len(b.subscribers)))
		}
	}
	return nil
}

// Publish assigns the next sequence number and queues event for broadcast.
// Non-blocking: a full bus drops the event rather than stalling the caller
// (the orchestrator must never block on a UI observer).
func (b *DefaultBus) Publish(event Event) error {
	event.Sequence = atomic.AddInt64(&b.sequence, 1)
	select {
	case b.eventChan <- event:
		return nil
	default:
		b.logger.Warn("event bus channel full, dropping event", "event_type", event.Type)
		if b.metrics != nil {
			b.metrics.EventsDroppedTotal.Inc()
		}
		return ErrBusFull
	}
}

func (b *DefaultBus) ActiveSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *DefaultBus) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.broadcastWorker(ctx)
	return nil
}

func (b *DefaultBus) Stop(ctx context.Context) error {
	close(b.stopChan)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *DefaultBus) broadcastWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case event := <-b.eventChan:
			b.broadcastEvent(event)
		}
	}
}

func (b *DefaultBus) broadcastEvent(event Event) {
	start := time.Now()

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			select {
			case <-s.Context().Done():
				b.Unsubscribe(s)
				return
			default:
			}
			if err := s.Send(event); err != nil {
				b.logger.Warn("dropping subscriber after failed send", "subscriber_id", s.ID(), "error", err)
				b.Unsubscribe(s)
			}
		}(sub)
	}
	wg.Wait()

	if b.metrics != nil {
		b.metrics.EventsTotal.WithLabelValues(event.Type).Inc()
		b.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}
