package repository

import (
	"context"
	"errors"

	"github.com/qcom/mailotp/internal/models"
)

// ErrChallengeNotFound is returned by Get when no live challenge exists for
// the email. Expired entries that are still physically present are reported
// the same way.
var ErrChallengeNotFound = errors.New("challenge not found or expired")

// ChallengeStore holds at most one challenge per email key.
// Put overwrites, Remove is idempotent.
type ChallengeStore interface {
	Put(ctx context.Context, email string, challenge models.Challenge) error
	Get(ctx context.Context, email string) (*models.Challenge, error)
	Remove(ctx context.Context, email string) error
}
