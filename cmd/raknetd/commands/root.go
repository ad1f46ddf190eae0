// Package commands holds the cobra command tree of raknetd.
package commands

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	adminURL string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "raknetd",
	Short:         "Reliable UDP listener daemon and its admin client",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin", "http://127.0.0.1:8080", "base URL of a running daemon's admin API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "how long client commands wait for an answer")
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger returns the console logger every command writes through.
func newLogger(lvl zerolog.Level) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stderr,
		FieldsOrder: []string{"sublogger"},
		TimeFormat:  "15:04:05",
	}).With().
		Timestamp().
		Logger().Level(lvl)
	return &l
}
