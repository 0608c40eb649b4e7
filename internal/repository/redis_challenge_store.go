package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedisChallengeStore struct {
	client redis.Cmdable
	clock  clock.Clock
	logger *logrus.Logger
}

func NewRedisChallengeStore(client redis.Cmdable, clk clock.Clock, logger *logrus.Logger) *RedisChallengeStore {
	return &RedisChallengeStore{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

func redisChallengeKey(email string) string {
	return fmt.Sprintf("otp:%s", models.ChallengeKey(email))
}

// Put stores the challenge with a Redis TTL matching its remaining lifetime.
func (s *RedisChallengeStore) Put(ctx context.Context, email string, challenge models.Challenge) error {
	key := redisChallengeKey(email)

	ttl := challenge.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		// Already stale: make sure no older challenge survives the overwrite.
		return s.Remove(ctx, email)
	}

	dataJSON, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := s.client.Set(ctx, key, dataJSON, ttl).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store challenge in Redis")
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, email string) (*models.Challenge, error) {
	dataJSON, err := s.client.Get(ctx, redisChallengeKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get challenge from Redis")
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	var challenge models.Challenge
	if err := json.Unmarshal([]byte(dataJSON), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	// Redis expiry has millisecond granularity; the timestamp is authoritative.
	if challenge.ExpiredAt(s.clock.Now()) {
		return nil, ErrChallengeNotFound
	}

	return &challenge, nil
}

func (s *RedisChallengeStore) Remove(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, redisChallengeKey(email)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
