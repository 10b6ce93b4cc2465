package rescue

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"position-relayer/internal/config"
)

// Guard claims a position across replicas before a rescue is sent.
type Guard interface {
	Acquire(ctx context.Context, positionID common.Hash, ttl time.Duration) (bool, error)
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisGuard holds rescue:<positionId> for the min delay between rescues.
type RedisGuard struct {
	client setNXer
	prefix string
}

// NewRedisClient connects to the configured Redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewRedisGuard wraps a redis client.
func NewRedisGuard(client setNXer) *RedisGuard {
	return &RedisGuard{client: client, prefix: "rescue:"}
}

// Acquire returns false when another replica holds the claim.
func (g *RedisGuard) Acquire(ctx context.Context, positionID common.Hash, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, g.prefix+positionID.Hex(), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", positionID.Hex(), err)
	}
	return ok, nil
}

var _ Guard = (*RedisGuard)(nil)
