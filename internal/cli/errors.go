package cli

import (
	"errors"
	"fmt"

	"github.com/qcom/mailotp/internal/client"
	"github.com/qcom/mailotp/internal/session"
)

var messages = []struct {
	err error
	msg string
}{
	{client.ErrValidation, "That email address was rejected by the server."},
	{client.ErrDeliveryFailure, "We could not send the code. Try again with 'mailotp resend'."},
	{client.ErrNotFoundOrExpired, "The code has expired or was not found. Run 'mailotp resend' for a new one."},
	{client.ErrMismatch, "Incorrect code. Check the email and try again."},
	{client.ErrUnauthorized, "Your session is no longer valid. Run 'mailotp login' again."},
	{client.ErrNetwork, "Could not reach the server."},
	{session.ErrInvalidEmail, "Please enter a valid email address."},
	{session.ErrInvalidCode, "The code is the 6 digits from the email."},
	{session.ErrInvalidTransition, "That step is not available now. Run 'mailotp status' to see where you are."},
	{session.ErrBusy, "Another request is still in progress."},
	{session.ErrStale, "The session changed while the request was running."},
}

// humanize maps known errors to an inline message. Unknown errors pass through.
func humanize(err error) error {
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return fmt.Errorf("%s", m.msg)
		}
	}
	return err
}
