package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TokenDenylist records revoked access token ids until the token would have
// expired anyway.
type TokenDenylist interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type MemoryTokenDenylist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	clock   clock.Clock
}

func NewMemoryTokenDenylist(clk clock.Clock) *MemoryTokenDenylist {
	return &MemoryTokenDenylist{
		revoked: make(map[string]time.Time),
		clock:   clk,
	}
}

func (d *MemoryTokenDenylist) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for id, exp := range d.revoked {
		if !now.Before(exp) {
			delete(d.revoked, id)
		}
	}
	if now.Before(expiresAt) {
		d.revoked[jti] = expiresAt
	}
	return nil
}

func (d *MemoryTokenDenylist) IsRevoked(_ context.Context, jti string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.revoked[jti]
	return ok && d.clock.Now().Before(exp), nil
}

type RedisTokenDenylist struct {
	client redis.Cmdable
	clock  clock.Clock
	logger *logrus.Logger
}

func NewRedisTokenDenylist(client redis.Cmdable, clk clock.Clock, logger *logrus.Logger) *RedisTokenDenylist {
	return &RedisTokenDenylist{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

func (d *RedisTokenDenylist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(d.clock.Now())
	if ttl <= 0 {
		return nil
	}

	revokedKey := fmt.Sprintf("revoked_token:%s", jti)
	if err := d.client.Set(ctx, revokedKey, "1", ttl).Err(); err != nil {
		d.logger.WithError(err).Error("Failed to revoke access token")
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (d *RedisTokenDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	revokedKey := fmt.Sprintf("revoked_token:%s", jti)
	exists, err := d.client.Exists(ctx, revokedKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revoked token: %w", err)
	}
	return exists > 0, nil
}
