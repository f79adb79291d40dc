package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/parking-slot-reservation/internal/metrics"
	"github.com/iliyamo/parking-slot-reservation/internal/model"
)

// RedisSlotStore keeps every slot as a JSON string under
// <prefix>:slot:<id>, indexed by the set <prefix>:slots. Conditional
// updates use WATCH/MULTI/EXEC: the mutator runs against the watched
// value and the write is discarded by Redis when another client touched
// the key in between, in which case the cycle is retried. Every write
// publishes the slot ID on <prefix>:slots:changed inside the same
// transaction; subscribers re-read a full snapshot on each message.
// The Redis TIME command is the server clock for all timestamps.
type RedisSlotStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	logger     zerolog.Logger
}

// NewRedisSlotStore wraps an existing client. The caller keeps
// ownership of the client until Close is called on the store.
func NewRedisSlotStore(client *redis.Client, prefix string, logger zerolog.Logger) *RedisSlotStore {
	if prefix == "" {
		prefix = "parking"
	}
	return &RedisSlotStore{
		client:     client,
		prefix:     prefix,
		maxRetries: 16,
		logger:     logger.With().Str("component", "slot-store").Logger(),
	}
}

// SetMaxRetries bounds the optimistic retry loop of a single update.
func (s *RedisSlotStore) SetMaxRetries(n int) {
	if n < 1 {
		n = 1
	}
	s.maxRetries = n
}

func (s *RedisSlotStore) slotKey(id string) string     { return s.prefix + ":slot:" + id }
func (s *RedisSlotStore) indexKey() string             { return s.prefix + ":slots" }
func (s *RedisSlotStore) holderKey(user string) string { return s.prefix + ":holder:" + user }
func (s *RedisSlotStore) channel() string              { return s.prefix + ":slots:changed" }

// mutatorError carries a non-transport failure out of a WATCH callback.
type mutatorError struct{ err error }

func (e mutatorError) Error() string { return e.err.Error() }
func (e mutatorError) Unwrap() error { return e.err }

// Now returns the Redis server clock.
func (s *RedisSlotStore) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, unavailable("now", err)
	}
	return t.UTC(), nil
}

// Snapshot reads every indexed slot. Malformed records are logged and
// returned as unavailable slots.
func (s *RedisSlotStore) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		timeCmd *redis.TimeCmd
		idsCmd  *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		timeCmd = pipe.Time(ctx)
		idsCmd = pipe.SMembers(ctx, s.indexKey())
		return nil
	})
	if err != nil {
		return Snapshot{}, unavailable("snapshot", err)
	}
	snap := Snapshot{At: timeCmd.Val().UTC(), ReceivedAt: time.Now()}
	ids := idsCmd.Val()
	if len(ids) == 0 {
		return snap, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.slotKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Snapshot{}, unavailable("snapshot", err)
	}
	snap.Slots = make([]model.Slot, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		slot, derr := decodeSlot(ids[i], []byte(raw))
		if derr != nil {
			metrics.MalformedRecords.Inc()
			s.logger.Warn().Err(derr).Str("slot_id", ids[i]).Msg("malformed slot record")
		}
		snap.Slots = append(snap.Slots, slot)
	}
	sortSlots(snap.Slots)
	return snap, nil
}

// Subscribe emits the current snapshot and a new one after every change
// notification. Notifications that queue up while a snapshot is being
// read are coalesced into a single read.
func (s *RedisSlotStore) Subscribe(ctx context.Context) (<-chan Snapshot, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}
	first, err := s.Snapshot(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan Snapshot, 1)
	out <- first

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			}
		drain:
			for {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				default:
					break drain
				}
			}
			snap, err := s.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("snapshot after change notification failed; ending subscription")
				}
				return
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Update applies fn to one slot inside a WATCH transaction.
func (s *RedisSlotStore) Update(ctx context.Context, slotID string, fn SlotMutator) (UpdateResult, error) {
	key := s.slotKey(slotID)
	var res UpdateResult
	txf := func(tx *redis.Tx) error {
		res = UpdateResult{}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		now = now.UTC()
		res.At = now
		var cur *model.Slot
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			slot, derr := decodeSlot(slotID, raw)
			if derr != nil {
				metrics.MalformedRecords.Inc()
				s.logger.Warn().Err(derr).Str("slot_id", slotID).Msg("malformed slot record")
			}
			cur = &slot
		}
		next, changed := fn(now, cur)
		if !changed {
			if cur != nil {
				res.Slot = *cur
				res.Exists = true
			}
			return nil
		}
		next.ID = slotID
		next.Malformed = false
		data, err := encodeSlot(next)
		if err != nil {
			return mutatorError{err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), slotID)
			pipe.Publish(ctx, s.channel(), slotID)
			return nil
		})
		if err != nil {
			return err
		}
		res.Slot = next
		res.Exists = true
		res.Applied = true
		return nil
	}
	if err := s.watch(ctx, "update slot", txf, key); err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

// UpdateHolder applies fn to a user's holder record inside a WATCH
// transaction. Holder keys expire shortly after the reservation they
// guard so abandoned records clean themselves up.
func (s *RedisSlotStore) UpdateHolder(ctx context.Context, userID string, fn HolderMutator) (HolderResult, error) {
	key := s.holderKey(userID)
	var res HolderResult
	txf := func(tx *redis.Tx) error {
		res = HolderResult{}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		now = now.UTC()
		res.At = now
		var cur *model.Holder
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			h, derr := decodeHolder(raw)
			if derr != nil {
				s.logger.Warn().Err(derr).Str("user_id", userID).Msg("discarding unreadable holder record")
			} else {
				cur = h
			}
		}
		next, changed := fn(now, cur)
		if !changed {
			res.Holder = cur
			return nil
		}
		var data []byte
		if next != nil {
			if data, err = encodeHolder(*next); err != nil {
				return mutatorError{err}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, data, 0)
			pipe.PExpireAt(ctx, key, next.Until.Add(time.Minute))
			return nil
		})
		if err != nil {
			return err
		}
		res.Holder = next
		res.Applied = true
		return nil
	}
	if err := s.watch(ctx, "update holder", txf, key); err != nil {
		return HolderResult{}, err
	}
	return res, nil
}

func (s *RedisSlotStore) watch(ctx context.Context, op string, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			metrics.StoreConflicts.Inc()
			s.logger.Debug().Str("key", key).Int("attempt", attempt+1).Msg("optimistic conflict, retrying")
			continue
		}
		var me mutatorError
		if errors.As(err, &me) {
			return me.err
		}
		return unavailable(op, err)
	}
	return ErrTooManyRetries
}

// Provision creates missing slots as FREE and indexes them.
func (s *RedisSlotStore) Provision(ctx context.Context, slots []model.Slot) (int, error) {
	cmds := make([]*redis.BoolCmd, 0, len(slots))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sl := range slots {
			if sl.ID == "" {
				continue
			}
			data, err := encodeSlot(model.Slot{ID: sl.ID, Coordinates: sl.Coordinates}.Freed())
			if err != nil {
				return err
			}
			cmds = append(cmds, pipe.SetNX(ctx, s.slotKey(sl.ID), data, 0))
			pipe.SAdd(ctx, s.indexKey(), sl.ID)
		}
		pipe.Publish(ctx, s.channel(), "*")
		return nil
	})
	if err != nil {
		return 0, unavailable("provision", err)
	}
	created := 0
	for _, c := range cmds {
		if c.Val() {
			created++
		}
	}
	return created, nil
}

// Close releases the underlying client.
func (s *RedisSlotStore) Close() error {
	return s.client.Close()
}
