package repository

import (
	"context"
	"sync"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
)

// MemoryChallengeStore keeps challenges in process memory. Everything is lost
// on restart, which forces users to request a new code.
type MemoryChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]models.Challenge
	clock      clock.Clock
	logger     *logrus.Logger
}

func NewMemoryChallengeStore(clk clock.Clock, logger *logrus.Logger) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]models.Challenge),
		clock:      clk,
		logger:     logger,
	}
}

func (s *MemoryChallengeStore) Put(_ context.Context, email string, challenge models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[models.ChallengeKey(email)] = challenge
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, email string) (*models.Challenge, error) {
	s.mu.RLock()
	ch, ok := s.challenges[models.ChallengeKey(email)]
	s.mu.RUnlock()

	if !ok || ch.ExpiredAt(s.clock.Now()) {
		return nil, ErrChallengeNotFound
	}
	return &ch, nil
}

func (s *MemoryChallengeStore) Remove(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, models.ChallengeKey(email))
	return nil
}

// Len returns the number of entries, including stale ones not yet swept.
func (s *MemoryChallengeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}

// Sweep drops entries that expired before now and returns how many were removed.
func (s *MemoryChallengeStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ch := range s.challenges {
		if ch.ExpiredAt(now) {
			delete(s.challenges, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. Correctness never
// depends on it since Get already hides expired entries.
func (s *MemoryChallengeStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.clock.Now()); n > 0 {
				s.logger.WithField("removed", n).Debug("Swept stale challenges")
			}
		}
	}
}
