package queue

import (
    "context"
    "errors"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/iliyamo/parking-slot-reservation/internal/metrics"
)

var (
    ErrBufferFull      = errors.New("event buffer full")
    ErrPublisherClosed = errors.New("event publisher closed")
)

// Sink delivers one event to the broker.
type Sink interface {
    PublishSlotEvent(ctx context.Context, ev SlotEvent) error
}

// BufferedPublisher queues events in memory and hands them to a sink from
// a single goroutine, so callers never wait on the broker.  When the
// buffer is full the event is dropped.
type BufferedPublisher struct {
    sink    Sink
    timeout time.Duration
    logger  zerolog.Logger

    mu     sync.RWMutex
    closed bool
    events chan SlotEvent
    done   chan struct{}
}

// NewBufferedPublisher starts the delivery goroutine.  Each delivery gets
// timeout; Close stops it.
func NewBufferedPublisher(sink Sink, size int, timeout time.Duration, logger zerolog.Logger) *BufferedPublisher {
    if size < 1 {
        size = 1
    }
    if timeout <= 0 {
        timeout = 2 * time.Second
    }
    b := &BufferedPublisher{
        sink:    sink,
        timeout: timeout,
        logger:  logger.With().Str("component", "event-buffer").Logger(),
        events:  make(chan SlotEvent, size),
        done:    make(chan struct{}),
    }
    go b.run()
    return b
}

// PublishSlotEvent enqueues ev and returns immediately.
func (b *BufferedPublisher) PublishSlotEvent(_ context.Context, ev SlotEvent) error {
    b.mu.RLock()
    defer b.mu.RUnlock()
    if b.closed {
        return ErrPublisherClosed
    }
    select {
    case b.events <- ev:
        return nil
    default:
        metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
        return ErrBufferFull
    }
}

func (b *BufferedPublisher) run() {
    defer close(b.done)
    for ev := range b.events {
        ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
        if err := b.sink.PublishSlotEvent(ctx, ev); err != nil {
            metrics.EventsDropped.WithLabelValues("publish_failed").Inc()
            b.logger.Warn().Err(err).Str("event", ev.Type).Str("slot_id", ev.SlotID).Msg("slot event not delivered")
        }
        cancel()
    }
}

// Close stops accepting events and waits until the queued ones were
// handed to the sink or ctx ends.
func (b *BufferedPublisher) Close(ctx context.Context) error {
    b.mu.Lock()
    if !b.closed {
        b.closed = true
        close(b.events)
    }
    b.mu.Unlock()
    select {
    case <-b.done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}
