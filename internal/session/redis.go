package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// #region redis-store

// RedisStore is a StateStore shared across instances. Rejections live in a
// sorted set scored by timestamp so append, prune and count run in one
// MULTI/EXEC.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a go-redis client. prefix namespaces every key.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cato"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) rejectionsKey(sessionID string) string {
	return r.prefix + ":session:" + sessionID + ":rejections"
}

func (r *RedisStore) overrideKey(sessionID string, kind OverrideKind) string {
	return r.prefix + ":session:" + sessionID + ":persona:" + string(kind)
}

func (r *RedisStore) recoveryKey(sessionID string) string {
	return r.prefix + ":session:" + sessionID + ":recovery"
}

// #endregion redis-store

// #region rejections

// AppendRejection implements StateStore.
func (r *RedisStore) AppendRejection(ctx context.Context, sessionID string, ev RejectionEvent, window time.Duration) (int, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal rejection: %w", err)
	}
	key := r.rejectionsKey(sessionID)
	ts := ev.Timestamp.UnixMilli()
	cutoff := ev.Timestamp.Add(-window).UnixMilli()

	var card *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: string(raw)})
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = p.ZCard(ctx, key)
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append rejection %s: %w", sessionID, err)
	}
	return int(card.Val()), nil
}

// Rejections implements StateStore.
func (r *RedisStore) Rejections(ctx context.Context, sessionID string) ([]RejectionEvent, error) {
	members, err := r.rdb.ZRange(ctx, r.rejectionsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read rejections %s: %w", sessionID, err)
	}
	out := make([]RejectionEvent, 0, len(members))
	for _, m := range members {
		var ev RejectionEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			return nil, fmt.Errorf("decode rejection: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ClearRejections implements StateStore.
func (r *RedisStore) ClearRejections(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, r.rejectionsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear rejections %s: %w", sessionID, err)
	}
	return nil
}

// #endregion rejections

// #region overrides

// PersonaOverride implements StateStore.
func (r *RedisStore) PersonaOverride(ctx context.Context, sessionID string, kind OverrideKind) (string, error) {
	v, err := r.rdb.Get(ctx, r.overrideKey(sessionID, kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get persona override %s: %w", sessionID, err)
	}
	return v, nil
}

// SetPersonaOverride implements StateStore.
func (r *RedisStore) SetPersonaOverride(ctx context.Context, sessionID string, kind OverrideKind, persona string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.overrideKey(sessionID, kind), persona, ttl).Err(); err != nil {
		return fmt.Errorf("set persona override %s: %w", sessionID, err)
	}
	return nil
}

// ClearPersonaOverride implements StateStore.
func (r *RedisStore) ClearPersonaOverride(ctx context.Context, sessionID string, kind OverrideKind) error {
	if err := r.rdb.Del(ctx, r.overrideKey(sessionID, kind)).Err(); err != nil {
		return fmt.Errorf("clear persona override %s: %w", sessionID, err)
	}
	return nil
}

// #endregion overrides

// #region recovery

// RecoveryState implements StateStore.
func (r *RedisStore) RecoveryState(ctx context.Context, sessionID string) (RecoveryState, error) {
	raw, err := r.rdb.Get(ctx, r.recoveryKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RecoveryState{}, ErrNotFound
	}
	if err != nil {
		return RecoveryState{}, fmt.Errorf("get recovery state %s: %w", sessionID, err)
	}
	var st RecoveryState
	if err := json.Unmarshal(raw, &st); err != nil {
		return RecoveryState{}, fmt.Errorf("decode recovery state: %w", err)
	}
	return st, nil
}

// SetRecoveryState implements StateStore.
func (r *RedisStore) SetRecoveryState(ctx context.Context, sessionID string, st RecoveryState, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal recovery state: %w", err)
	}
	if err := r.rdb.Set(ctx, r.recoveryKey(sessionID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set recovery state %s: %w", sessionID, err)
	}
	return nil
}

// ClearRecoveryState implements StateStore.
func (r *RedisStore) ClearRecoveryState(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, r.recoveryKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear recovery state %s: %w", sessionID, err)
	}
	return nil
}

// #endregion recovery
