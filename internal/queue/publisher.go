package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/rs/zerolog"
)

// SlotEventsQueue is the durable queue slot events are published to.
const SlotEventsQueue = "parking.slot.events"

// dialTimeout bounds a connection attempt when the caller's context has
// no earlier deadline.
const dialTimeout = 5 * time.Second

// Publisher publishes slot events to RabbitMQ.  The connection is opened
// on first use and re-opened after a failure.  Connecting never holds the
// publisher's lock and never outlives the caller's context.
type Publisher struct {
    url    string
    logger zerolog.Logger

    mu   sync.Mutex
    conn *amqp.Connection
    ch   *amqp.Channel
}

// NewPublisher returns a publisher for the broker at url.  No connection
// is made until the first event.
func NewPublisher(url string, logger zerolog.Logger) *Publisher {
    return &Publisher{
        url:    url,
        logger: logger.With().Str("component", "event-publisher").Logger(),
    }
}

// PublishSlotEvent publishes ev as a persistent JSON message.  It returns
// once ctx is done even while the broker is unresponsive.
func (p *Publisher) PublishSlotEvent(ctx context.Context, ev SlotEvent) error {
    body, err := json.Marshal(ev)
    if err != nil {
        return fmt.Errorf("marshal event: %w", err)
    }

    ch, err := p.channel(ctx)
    if err != nil {
        p.logger.Warn().Err(err).Msg("rabbitmq: connect failed")
        return err
    }

    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent, // store on disk
        MessageId:    ev.ID,
        Type:         ev.Type,
        Timestamp:    time.Now().UTC(),
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx,
        "",              // default exchange
        SlotEventsQueue, // routing key = queue name
        false,           // mandatory
        false,           // immediate
        pub,
    ); err != nil {
        p.logger.Warn().Err(err).Str("event", ev.Type).Msg("rabbitmq: publish failed")
        p.drop(ch)
        return err
    }
    return nil
}

// channel returns the open channel or connects a new one.  Concurrent
// callers may both connect; the loser closes its connection.
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
    p.mu.Lock()
    if p.ch != nil && !p.ch.IsClosed() {
        ch := p.ch
        p.mu.Unlock()
        return ch, nil
    }
    p.mu.Unlock()

    conn, ch, err := p.connect(ctx)
    if err != nil {
        return nil, err
    }

    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ch != nil && !p.ch.IsClosed() {
        _ = conn.Close()
        return p.ch, nil
    }
    p.resetLocked()
    p.conn, p.ch = conn, ch
    return ch, nil
}

type opened struct {
    conn *amqp.Connection
    ch   *amqp.Channel
    err  error
}

// connect dials within ctx.  An attempt still running when ctx ends is
// left to finish in the background and its connection is closed.
func (p *Publisher) connect(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
    timeout := dialTimeout
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d < timeout {
            timeout = d
        }
    }
    if timeout <= 0 {
        return nil, nil, fmt.Errorf("connect: %w", context.DeadlineExceeded)
    }

    done := make(chan opened, 1)
    go func() { done <- p.open(timeout) }()
    select {
    case o := <-done:
        return o.conn, o.ch, o.err
    case <-ctx.Done():
        go func() {
            if o := <-done; o.err == nil {
                _ = o.conn.Close()
            }
        }()
        return nil, nil, fmt.Errorf("connect: %w", ctx.Err())
    }
}

func (p *Publisher) open(timeout time.Duration) opened {
    conn, err := amqp.DialConfig(p.url, amqp.Config{
        Heartbeat: 10 * time.Second,
        Locale:    "en_US",
        Dial:      amqp.DefaultDial(timeout), // deadline covers the handshake
    })
    if err != nil {
        return opened{err: fmt.Errorf("dial: %w", err)}
    }
    ch, err := conn.Channel()
    if err != nil {
        _ = conn.Close()
        return opened{err: fmt.Errorf("channel open: %w", err)}
    }
    // Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
    if _, err := ch.QueueDeclare(SlotEventsQueue, true, false, false, false, nil); err != nil {
        _ = conn.Close()
        return opened{err: fmt.Errorf("queue declare: %w", err)}
    }
    return opened{conn: conn, ch: ch}
}

// drop forgets ch after a failed publish unless it was already replaced.
func (p *Publisher) drop(ch *amqp.Channel) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ch == ch {
        p.resetLocked()
    }
}

func (p *Publisher) resetLocked() {
    if p.ch != nil {
        _ = p.ch.Close()
    }
    if p.conn != nil {
        _ = p.conn.Close()
    }
    p.conn, p.ch = nil, nil
}

// Close closes the broker connection if one is open.
func (p *Publisher) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    var err error
    if p.ch != nil {
        err = p.ch.Close()
    }
    if p.conn != nil && !p.conn.IsClosed() {
        err = errors.Join(err, p.conn.Close())
    }
    p.conn, p.ch = nil, nil
    return err
}
