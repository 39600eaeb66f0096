// Package cli holds the cobra command trees of the possyncd client daemon
// and the syncserver reference server.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/logging"
)

// RootOptions holds the global flags of possyncd.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string // "json" | "console"
	DataDir    string
}

// ValidLogFormats lists the accepted --log-format values.
var ValidLogFormats = []string{"json", "console"}

// NewRootCommand creates the possyncd root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "possyncd",
		Short: "Offline session and sync engine for point-of-sale clients",
		Long: `possyncd keeps a point-of-sale terminal working through network outages.

Operations are queued durably on disk and delivered to the sync server at
most once per idempotency key when connectivity returns. Reference models
are cached locally and sessions survive offline periods.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogFormat != "" && !isValidLogFormat(opts.LogFormat) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format override (json|console)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory override")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewPINCommand(opts))

	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	o.override(cfg)
	return cfg, nil
}

func (o *RootOptions) override(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
}

// setupLogging installs the global logger described by cfg.
func setupLogging(cfg config.LogConfig, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	level := logging.ParseLevel(cfg.Level)
	if cfg.Format == "console" {
		logging.SetGlobal(logging.NewConsole(out, level))
		return
	}
	logging.SetGlobal(logging.New(out, level))
}

func isValidLogFormat(format string) bool {
	for _, f := range ValidLogFormats {
		if f == format {
			return true
		}
	}
	return false
}
