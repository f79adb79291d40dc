package queue

// The consumer listens to the slot events queue and appends one
// human-readable line per event to <dir>/reservations.log.

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/rs/zerolog"
)

// EventLogFile is the file name the consumer appends to.
const EventLogFile = "reservations.log"

// StartEventConsumer connects to RabbitMQ, declares the slot events queue
// (durable) and consumes it until ctx is cancelled.  It runs a reconnect
// loop with exponential backoff; messages that cannot be processed are
// logged and rejected without requeue so the consumer keeps going.
func StartEventConsumer(ctx context.Context, url, dir string, logger zerolog.Logger) error {
    logger = logger.With().Str("component", "event-consumer").Logger()
    backoff := time.Second
    for {
        conn, err := amqp.Dial(url)
        if err != nil {
            logger.Warn().Err(err).Dur("retry_in", backoff).Msg("failed to dial broker")
            if !sleepCtx(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second // reset after successful connect

        err = consumeLoop(ctx, conn, dir, logger)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        logger.Warn().Err(err).Msg("consume loop ended; reconnecting")
        if !sleepCtx(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, dir string, logger zerolog.Logger) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        logger.Warn().Err(err).Msg("set QoS failed")
    }
    if _, err := ch.QueueDeclare(SlotEventsQueue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.Consume(SlotEventsQueue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := handleMessage(dir, d.Body); err != nil {
                logger.Error().Err(err).Msg("handle message failed")
                _ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
                continue
            }
            _ = d.Ack(false)
        }
    }
}

func handleMessage(dir string, body []byte) error {
    var ev SlotEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.SlotID == "" || ev.Type == "" {
        return errors.New("event without type or slot_id")
    }
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return fmt.Errorf("mkdir %s: %w", dir, err)
    }
    f, err := os.OpenFile(filepath.Join(dir, EventLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(formatEvent(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

func formatEvent(ev SlotEvent) string {
    what := "Slot reserved"
    if ev.Type == EventSlotReleased {
        what = fmt.Sprintf("Slot released (%s)", ev.Reason)
    }
    line := fmt.Sprintf("[%s] %s | event_id=%s | slot_id=%s | user_id=%s",
        ev.OccurredAt.UTC().Format(time.RFC3339), what, ev.ID, ev.SlotID, ev.UserID)
    if ev.ReservedAt != nil {
        line += " | reserved_at=" + ev.ReservedAt.UTC().Format(time.RFC3339)
    }
    if ev.ReservedUntil != nil {
        line += " | until=" + ev.ReservedUntil.UTC().Format(time.RFC3339)
    }
    return line + "\n"
}
