package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Challenge is the server-held record of an outstanding OTP for one email.
// Code holds the value produced by the configured code protector: the plain
// code by default, or a bcrypt hash.
type Challenge struct {
	Email     string    `json:"email" dynamodbav:"Email" bson:"email"`
	Code      string    `json:"code" dynamodbav:"Code" bson:"code"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt" bson:"created_at"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt" bson:"expires_at"`
}

// ExpiredAt reports whether the challenge is no longer valid at now.
// A challenge is valid on [CreatedAt, ExpiresAt).
func (c *Challenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

var emailFolder = cases.Fold()

// ChallengeKey returns the store key for an email. Keys are case-folded so
// lookups are case-insensitive while Challenge.Email keeps the original casing.
func ChallengeKey(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}
