package service

import "errors"

var (
	// ErrValidation means the email failed the format check.
	ErrValidation = errors.New("invalid email")

	// ErrDeliveryFailure means the gateway rejected or failed the send.
	ErrDeliveryFailure = errors.New("failed to send OTP")

	// ErrNotFoundOrExpired means no live challenge exists for the email.
	ErrNotFoundOrExpired = errors.New("OTP expired or not found")

	// ErrMismatch means the submitted code is wrong; the challenge stays live.
	ErrMismatch = errors.New("invalid OTP")
)
