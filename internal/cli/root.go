// Package cli implements the mailotp command line client.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/qcom/mailotp/internal/client"
	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const DefaultServer = "http://localhost:5000"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	State   string
	Verbose bool

	clock clock.Clock
}

// NewRootCommand creates the root command. Flags fall back to MAILOTP_SERVER
// and MAILOTP_STATE.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{clock: clock.New()}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "mailotp",
		Short: "Sign in with a one-time code sent by email",
		Long: `mailotp walks through the email OTP login: submit an address, receive a
six-digit code by email, and verify it before it expires. Progress is saved
between invocations so a code can be verified from a later command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Server = v.GetString("server")
			opts.State = v.GetString("state")
			opts.Verbose = v.GetBool("verbose")
			if opts.Server == "" {
				return fmt.Errorf("server URL must not be empty")
			}
			return nil
		},
	}

	cmd.PersistentFlags().String("server", DefaultServer, "auth server base URL")
	cmd.PersistentFlags().String("state", defaultStatePath(), "session state file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	v.SetEnvPrefix("MAILOTP")
	v.AutomaticEnv()
	v.BindPFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewResendCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewWaitCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewBackCommand(opts))
	cmd.AddCommand(NewKeygenCommand())

	return cmd
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mailotp-session.db"
	}
	return filepath.Join(dir, "mailotp", "session.db")
}

func newLogger(opts *RootOptions, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// env bundles what every subcommand needs.
type env struct {
	machine *session.Machine
	api     *client.Client
	out     io.Writer
	close   func()
}

func openEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	logger := newLogger(opts, cmd.ErrOrStderr())

	if dir := filepath.Dir(opts.State); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	storage, err := session.OpenSQLite(opts.State)
	if err != nil {
		return nil, err
	}

	api := client.New(opts.Server, client.WithLogger(logger))
	machine := session.NewMachine(api, storage, opts.clock, logger, session.Config{})
	if err := machine.Load(); err != nil {
		machine.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return &env{
		machine: machine,
		api:     api,
		out:     cmd.OutOrStdout(),
		close: func() {
			machine.Close()
			storage.Close()
		},
	}, nil
}

// withEnv opens the session, runs fn and turns known errors into readable
// messages.
func withEnv(opts *RootOptions, fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(opts, cmd)
		if err != nil {
			return err
		}
		defer e.close()

		if err := fn(cmd, e, args); err != nil {
			return humanize(err)
		}
		return nil
	}
}
