// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/logger"
	"github.com/innovationmech/docflow/pkg/saga"
)

// RedisStore keeps each instance as one JSON document and maintains
// secondary indexes for List and Counts:
//
//	<prefix>saga:<id>               instance snapshot
//	<prefix>history:<id>            transition log (list)
//	<prefix>state:<family>:<state>  ids per family and state (set)
//	<prefix>created                 ids by creation time (sorted set)
//	<prefix>deadlines               ids by deadline (sorted set)
//	<prefix>outbox                  ids with unacknowledged messages (set)
//	<prefix>claim:<key>             dedup claim owner
//
// Save uses WATCH on the snapshot key so that a concurrent writer aborts the
// MULTI/EXEC block instead of overwriting.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		return nil, ErrInvalidRedisConfig
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(config.Options())
	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, config.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.GetLogger().Named("storage.redis"),
	}
}

func (r *RedisStore) sagaKey(id string) string    { return r.prefix + "saga:" + id }
func (r *RedisStore) historyKey(id string) string { return r.prefix + "history:" + id }
func (r *RedisStore) claimKey(key string) string  { return r.prefix + "claim:" + key }
func (r *RedisStore) createdKey() string          { return r.prefix + "created" }
func (r *RedisStore) deadlinesKey() string        { return r.prefix + "deadlines" }
func (r *RedisStore) outboxKey() string           { return r.prefix + "outbox" }

func (r *RedisStore) stateKey(f saga.Family, s saga.State) string {
	return r.prefix + "state:" + string(f) + ":" + string(s)
}

func (r *RedisStore) checkClosed() error {
	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

func (r *RedisStore) Create(ctx context.Context, inst *saga.Instance, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return err
	}

	next := inst.Clone()
	next.Version = 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", inst.CorrelationID, err)
	}
	history, err := encodeRecords(stampRecords(inst, 1, log))
	if err != nil {
		return err
	}

	key := r.sagaKey(inst.CorrelationID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.CorrelationID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			pipe.ZAdd(ctx, r.createdKey(), redis.Z{Score: float64(next.CreatedAt.UnixNano()), Member: next.CorrelationID})
			r.index(ctx, pipe, nil, next)
			if len(history) > 0 {
				pipe.RPush(ctx, r.historyKey(inst.CorrelationID), history...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.CorrelationID)
	}
	if err != nil {
		return err
	}
	inst.Version = 1
	return nil
}

func (r *RedisStore) Load(ctx context.Context, correlationID string) (*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	raw, err := r.client.Get(ctx, r.sagaKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", correlationID, err)
	}
	return decodeInstance(raw)
}

func (r *RedisStore) Save(ctx context.Context, inst *saga.Instance, expected int64, log ...saga.TransitionRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := checkInstance(inst); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return err
	}

	next := inst.Clone()
	next.Version = expected + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", inst.CorrelationID, err)
	}
	history, err := encodeRecords(stampRecords(inst, expected+1, log))
	if err != nil {
		return err
	}

	key := r.sagaKey(inst.CorrelationID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.CorrelationID)
		}
		if err != nil {
			return err
		}
		current, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return fmt.Errorf("%w: %s stored version %d, expected %d",
				ErrConcurrencyConflict, inst.CorrelationID, current.Version, expected)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			r.index(ctx, pipe, current, next)
			if len(history) > 0 {
				pipe.RPush(ctx, r.historyKey(inst.CorrelationID), history...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		r.logger.Debug("watched snapshot changed during save",
			logger.CorrelationID(inst.CorrelationID),
			zap.Int64("expected_version", expected))
		return fmt.Errorf("%w: %s expected version %d", ErrConcurrencyConflict, inst.CorrelationID, expected)
	}
	if err != nil {
		return err
	}
	inst.Version = expected + 1
	return nil
}

// index queues the secondary index updates moving prev to next. prev is nil
// on create.
func (r *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, prev, next *saga.Instance) {
	if prev != nil && prev.State != next.State {
		pipe.SRem(ctx, r.stateKey(prev.Family, prev.State), next.CorrelationID)
	}
	pipe.SAdd(ctx, r.stateKey(next.Family, next.State), next.CorrelationID)

	if next.Deadline != nil {
		pipe.ZAdd(ctx, r.deadlinesKey(), redis.Z{Score: float64(next.Deadline.UnixNano()), Member: next.CorrelationID})
	} else if prev != nil && prev.Deadline != nil {
		pipe.ZRem(ctx, r.deadlinesKey(), next.CorrelationID)
	}

	if len(next.Outbox) > 0 {
		pipe.SAdd(ctx, r.outboxKey(), next.CorrelationID)
	} else if prev != nil && len(prev.Outbox) > 0 {
		pipe.SRem(ctx, r.outboxKey(), next.CorrelationID)
	}
}

func (r *RedisStore) List(ctx context.Context, filter Filter) ([]*saga.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := r.candidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*saga.Instance, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sagaKey(id)
	}
	docs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	for _, doc := range docs {
		s, ok := doc.(string)
		if !ok {
			continue
		}
		inst, err := decodeInstance([]byte(s))
		if err != nil {
			return nil, err
		}
		if filter.matches(inst) {
			out = append(out, inst)
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

// candidates narrows the ids to load using the most selective index.
func (r *RedisStore) candidates(ctx context.Context, filter Filter) ([]string, error) {
	switch {
	case filter.DeadlineBefore != nil:
		return r.client.ZRangeByScore(ctx, r.deadlinesKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(filter.DeadlineBefore.UnixNano(), 10),
		}).Result()
	case filter.HasOutbox:
		return r.client.SMembers(ctx, r.outboxKey()).Result()
	case len(filter.States) > 0:
		families := saga.Families
		if filter.Family != "" {
			families = []saga.Family{filter.Family}
		}
		var keys []string
		for _, f := range families {
			for _, s := range filter.States {
				keys = append(keys, r.stateKey(f, s))
			}
		}
		return r.client.SUnion(ctx, keys...).Result()
	default:
		return r.client.ZRange(ctx, r.createdKey(), 0, -1).Result()
	}
}

func (r *RedisStore) Counts(ctx context.Context) (Counts, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	type pending struct {
		family saga.Family
		state  saga.State
		cmd    *redis.IntCmd
	}
	var cmds []pending
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range saga.Families {
			for _, s := range saga.States {
				cmds = append(cmds, pending{f, s, pipe.SCard(ctx, r.stateKey(f, s))})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	counts := make(Counts)
	for _, p := range cmds {
		if n := p.cmd.Val(); n > 0 {
			counts.Add(p.family, p.state, int(n))
		}
	}
	return counts, nil
}

func (r *RedisStore) History(ctx context.Context, correlationID string) ([]saga.TransitionRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	n, err := r.client.Exists(ctx, r.sagaKey(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", correlationID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	raw, err := r.client.LRange(ctx, r.historyKey(correlationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", correlationID, err)
	}
	out := make([]saga.TransitionRecord, 0, len(raw))
	for _, s := range raw {
		var rec saga.TransitionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("history %s: %w", correlationID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Claim(ctx context.Context, key, owner string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return "", err
	}

	ok, err := r.client.SetNX(ctx, r.claimKey(key), owner, 0).Result()
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return owner, nil
	}
	current, err := r.client.Get(ctx, r.claimKey(key)).Result()
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	return current, nil
}

func (r *RedisStore) Release(ctx context.Context, key, owner string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return err
	}

	ck := r.claimKey(key)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, ck).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, ck)
			return nil
		})
		return err
	}, ck)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkClosed(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close closes the client. It is safe to call more than once.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func decodeInstance(raw []byte) (*saga.Instance, error) {
	var inst saga.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode saga instance: %w", err)
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

func encodeRecords(log []saga.TransitionRecord) ([]any, error) {
	out := make([]any, 0, len(log))
	for _, rec := range log {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode transition: %w", err)
		}
		out = append(out, string(raw))
	}
	return out, nil
}
