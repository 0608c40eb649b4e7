// Package session drives the client side of the email OTP login: local email
// check, code request, countdown, verification and logout. State is persisted
// so a restarted client resumes where it left off.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

type State int

const (
	Anonymous State = iota
	EmailVerified
	OTPPending
	OTPExpired
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case EmailVerified:
		return "email_verified"
	case OTPPending:
		return "otp_pending"
	case OTPExpired:
		return "otp_expired"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the advisory client record. The server never trusts it.
type Session struct {
	Email           string
	IsEmailVerified bool
	IsAuthenticated bool
	OTPExpiry       time.Time
}

// authUser is the JSON shape stored under KeyAuthUser.
type authUser struct {
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	IsEmailVerified bool   `json:"isEmailVerified"`
}

func encodeAuthUser(s Session) (string, error) {
	b, err := json.Marshal(authUser{
		Email:           s.Email,
		IsAuthenticated: s.IsAuthenticated,
		IsEmailVerified: s.IsEmailVerified,
	})
	return string(b), err
}

func decodeAuthUser(raw string) (Session, error) {
	var u authUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return Session{}, err
	}
	return Session{
		Email:           u.Email,
		IsEmailVerified: u.IsEmailVerified || u.IsAuthenticated,
		IsAuthenticated: u.IsAuthenticated,
	}, nil
}

// Snapshot is a point-in-time view handed to listeners.
type Snapshot struct {
	State     State
	Email     string
	Remaining time.Duration
}
