package cli

import (
	"fmt"
	"sync"
	"time"

	"github.com/qcom/mailotp/internal/service"
	"github.com/qcom/mailotp/internal/session"
	"github.com/spf13/cobra"
)

func NewLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Request a one-time code for an email address",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			switch e.machine.State() {
			case session.Authenticated:
				return fmt.Errorf("already logged in as %s; run 'mailotp logout' first", e.machine.Session().Email)
			case session.OTPPending, session.OTPExpired:
				if err := e.machine.Back(); err != nil {
					return err
				}
			}

			if err := e.machine.Login(cmd.Context(), args[0]); err != nil {
				return err
			}
			snap := e.machine.Snapshot()
			fmt.Fprintf(e.out, "Code sent to %s. It expires in %s.\n", snap.Email, formatRemaining(snap.Remaining))
			return nil
		}),
	}
}

func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <code>",
		Short: "Submit the code from the email",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			if e.machine.State() == session.OTPExpired {
				return fmt.Errorf("the code has expired; run 'mailotp resend' for a new one")
			}
			if err := e.machine.Verify(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "Logged in as %s.\n", e.machine.Session().Email)
			return nil
		}),
	}
}

func NewResendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resend",
		Short: "Send a fresh code, replacing the previous one",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.machine.Resend(cmd.Context()); err != nil {
				return err
			}
			snap := e.machine.Snapshot()
			fmt.Fprintf(e.out, "New code sent to %s. It expires in %s.\n", snap.Email, formatRemaining(snap.Remaining))
			return nil
		}),
	}
}

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved session",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			snap := e.machine.Snapshot()
			fmt.Fprintf(e.out, "state: %s\n", snap.State)
			if snap.Email != "" {
				fmt.Fprintf(e.out, "email: %s\n", snap.Email)
			}
			if snap.State == session.OTPPending || snap.State == session.OTPExpired {
				fmt.Fprintf(e.out, "remaining: %s\n", formatRemaining(snap.Remaining))
			}
			return nil
		}),
	}
}

func NewWaitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Show a live countdown until the pending code expires",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			if e.machine.State() != session.OTPPending {
				fmt.Fprintf(e.out, "No code pending (state: %s).\n", e.machine.State())
				return nil
			}

			done := make(chan struct{})
			var once sync.Once
			e.machine.OnChange(func(s session.Snapshot) {
				if s.State != session.OTPPending {
					once.Do(func() { close(done) })
				}
			})
			e.machine.OnTick(func(d time.Duration) {
				fmt.Fprintf(e.out, "\rCode expires in %s ", formatRemaining(d))
			})
			e.machine.Resume()

			select {
			case <-done:
				fmt.Fprintln(e.out, "\nCode expired. Run 'mailotp resend' for a new one.")
			case <-cmd.Context().Done():
				fmt.Fprintln(e.out)
			}
			return nil
		}),
	}
}

func NewWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Ask the server which email the saved token belongs to",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			token := e.machine.Token()
			if e.machine.State() != session.Authenticated || token == "" {
				return fmt.Errorf("not logged in")
			}
			email, err := e.api.Me(cmd.Context(), token)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, email)
			return nil
		}),
	}
}

func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the token and clear the saved session",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.machine.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "Logged out.")
			return nil
		}),
	}
}

func NewBackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "back",
		Short: "Abandon the current login and start over",
		Args:  cobra.NoArgs,
		RunE: withEnv(opts, func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.machine.Back(); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "Session cleared.")
			return nil
		}),
	}
}

// NewKeygenCommand prints a random secret for the server's JWT_SECRET_KEY.
func NewKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random secret for the server's JWT_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := service.GenerateSecretKey()
			if err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func formatRemaining(d time.Duration) string {
	return d.Round(time.Second).String()
}
