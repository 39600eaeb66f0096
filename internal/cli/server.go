package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/server"
)

// ServerOptions holds the global flags of syncserver.
type ServerOptions struct {
	DataDir   string
	LogLevel  string
	LogFormat string
}

// NewServerCommand creates the syncserver root command.
func NewServerCommand() *cobra.Command {
	opts := &ServerOptions{}

	cmd := &cobra.Command{
		Use:           "syncserver",
		Short:         "Reference sync server for possync clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidLogFormat(opts.LogFormat) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			setupLogging(config.LogConfig{Level: opts.LogLevel, Format: opts.LogFormat}, cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "./server-data", "server data directory")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "json", "log format (json|console)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	cmd.AddCommand(newModelCommand(opts))
	return cmd
}

func (o *ServerOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, s *server.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := server.OpenStore(ctx, o.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "open server store", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func newServeCommand(opts *ServerOptions) *cobra.Command {
	var (
		listen     string
		sessionTTL time.Duration
		opTypes    []string
		adminToken string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the /v1 sync protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store *server.Store) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				ln, err := net.Listen("tcp", listen)
				if err != nil {
					return WrapExitError(ExitCommandError, "listen "+listen, err)
				}
				srv := &http.Server{
					Handler: server.New(store, server.Options{
						SessionTTL: sessionTTL,
						OpTypes:    opTypes,
						AdminToken: adminToken,
					}),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Serve(ln) }()
				logging.Info("Sync server listening", map[string]interface{}{
					"addr":            ln.Addr().String(),
					"op_types":        opTypes,
					"admin_over_http": adminToken != "",
				})

				select {
				case <-ctx.Done():
				case err := <-errCh:
					if !stderrors.Is(err, http.ErrServerClosed) {
						return WrapExitError(ExitFailure, "serve", err)
					}
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8700", "listen address")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", 8*time.Hour, "server session lifetime")
	cmd.Flags().StringSliceVar(&opTypes, "op-types", nil, "accepted operation types (default: any)")
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "bearer token for the model and user admin routes (default: routes disabled)")
	return cmd
}

func newUserCommand(opts *ServerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage server users",
	}
	var credential string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Create a user or replace its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if credential == "" {
				return NewExitError(ExitCommandError, "--credential is required")
			}
			return opts.withStore(cmd, func(ctx context.Context, s *server.Store) error {
				if err := s.PutUser(ctx, args[0], credential, time.Now()); err != nil {
					return WrapExitError(ExitFailure, "put user", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&credential, "credential", "", "the user's password")
	cmd.AddCommand(add)
	return cmd
}

func newModelCommand(opts *ServerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage reference models",
	}

	var file string
	publish := &cobra.Command{
		Use:   "publish <key>",
		Short: "Publish a new version of a model from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return WrapExitError(ExitCommandError, "read model file", err)
			}
			if !json.Valid(data) {
				return NewExitError(ExitCommandError, file+" is not valid JSON")
			}
			return opts.withStore(cmd, func(ctx context.Context, s *server.Store) error {
				version, err := s.PublishModel(ctx, args[0], json.RawMessage(data), time.Now())
				if err != nil {
					return WrapExitError(ExitFailure, "publish model", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "model %s published at version %d\n", args[0], version)
				return nil
			})
		},
	}
	publish.Flags().StringVarP(&file, "file", "f", "", "path to the model JSON")
	_ = publish.MarkFlagRequired("file")

	var ttl time.Duration
	lock := &cobra.Command{
		Use:   "lock <key>",
		Short: "Hold a model's write lock, or release it with --ttl 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, s *server.Store) error {
				until := time.Time{}
				if ttl > 0 {
					until = time.Now().Add(ttl)
				}
				if err := s.LockModel(ctx, args[0], until); err != nil {
					return WrapExitError(ExitFailure, "lock model", err)
				}
				return nil
			})
		},
	}
	lock.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "lock duration")

	cmd.AddCommand(publish, lock)
	return cmd
}
