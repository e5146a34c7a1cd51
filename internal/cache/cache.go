// Package cache keeps read-through copies of escrow transactions.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"escrowline/internal/domain"
)

// Cache is consulted on reads and invalidated after every committed write.
// The database stays authoritative.
type Cache interface {
	GetTransaction(ctx context.Context, id string) (domain.EscrowTransaction, bool, error)
	PutTransaction(ctx context.Context, t domain.EscrowTransaction) error
	Invalidate(ctx context.Context, id string) error
}

type Noop struct{}

func (Noop) GetTransaction(context.Context, string) (domain.EscrowTransaction, bool, error) {
	return domain.EscrowTransaction{}, false, nil
}
func (Noop) PutTransaction(context.Context, domain.EscrowTransaction) error { return nil }
func (Noop) Invalidate(context.Context, string) error                       { return nil }

type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "escrowline"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, prefix: prefix}
}

func (r *Redis) key(id string) string {
	return r.prefix + ":tx:" + id
}

func (r *Redis) GetTransaction(ctx context.Context, id string) (domain.EscrowTransaction, bool, error) {
	var t domain.EscrowTransaction
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, false, err
	}
	return t, true, nil
}

func (r *Redis) PutTransaction(ctx context.Context, t domain.EscrowTransaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(t.ID), data, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
