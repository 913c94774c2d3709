package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"improto/internal/model"
	"improto/internal/protocol/ratchet"
)

type (
	// RedisService keeps the relay's offline mailboxes and the client's
	// ratchet state.
	RedisService struct {
		rdb *redis.Client
	}
)

var _ ratchet.StateStore = (*RedisService)(nil)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func mailboxKey(preKey string) string {
	return fmt.Sprintf("mailbox:%s", preKey)
}

func stateKey(sessionID string) string {
	return fmt.Sprintf("ratchet:%s", sessionID)
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// PushMailbox appends frames to the offline mailbox of preKey; ttl bounds how
// long undelivered frames are kept.
func (r *RedisService) PushMailbox(ctx context.Context, preKey string, ttl time.Duration, frames ...model.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	key := mailboxKey(preKey)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, vals...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

// DrainMailbox atomically takes every frame queued for preKey.
func (r *RedisService) DrainMailbox(ctx context.Context, preKey string) ([]model.Frame, error) {
	key := mailboxKey(preKey)
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := make([]model.Frame, 0, len(lrange.Val()))
	for _, v := range lrange.Val() {
		var f model.Frame
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}

func (r *RedisService) SaveState(ctx context.Context, sessionID string, state []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, stateKey(sessionID), state, ttl).Err()
}

func (r *RedisService) LoadState(ctx context.Context, sessionID string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ratchet.ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
