package cli

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/api"
	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/logging"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ListenAddr string
	ServerURL  string

	// ready, when set, receives the bound API address once serving.
	ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine and serve the local API",
		Long: `Start the sync engine and serve the local API used by the UI.

The config file, when given, is watched and reloaded on change. Settings
that cannot change at runtime are logged and kept until restart.

Example:
  possyncd run --config /etc/possync/possync.yaml
  possyncd run --data-dir ./data --server-url http://10.0.0.5:8700 --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "local API listen address override")
	cmd.Flags().StringVar(&opts.ServerURL, "server-url", "", "sync server URL override")

	return cmd
}

func (o *RunOptions) override(cfg *config.Config) {
	o.RootOptions.override(cfg)
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
}

func runDaemon(parent context.Context, opts *RunOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.override(cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	setupLogging(cfg.Log, nil)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize engine", err)
	}
	defer func() {
		if err := a.Stop(); err != nil {
			logging.Error("Failed to stop engine", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "start engine", err)
	}

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, func(next *config.Config) {
			opts.override(next)
			reload(a, cfg, next)
		})
		if err != nil {
			logging.Warn("Config watching disabled", map[string]interface{}{"path": opts.ConfigPath, "error": err.Error()})
		} else {
			go w.Run(ctx)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen "+cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           api.Router(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logging.Info("Local API listening", map[string]interface{}{"addr": ln.Addr().String()})
	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "local API", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Local API shutdown", err)
	}
	logging.Info("Shutting down")
	return nil
}

// reload applies a changed config file. Only the log settings and the
// sync interval take effect without a restart.
func reload(a *app.App, running, next *config.Config) {
	setupLogging(next.Log, nil)
	a.ApplyConfig(next)
	if next.DataDir != running.DataDir || next.ServerURL != running.ServerURL || next.ListenAddr != running.ListenAddr {
		logging.Warn("Config change requires restart", map[string]interface{}{
			"data_dir":    next.DataDir,
			"server_url":  next.ServerURL,
			"listen_addr": next.ListenAddr,
		})
	}
	logging.Debug("Runtime settings applied", map[string]interface{}{"sync_interval": next.Sync.PollInterval.String()})
}
