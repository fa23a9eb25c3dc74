package commands

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vfscore/internal/http"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 15 * time.Second

// NewServeCmd constructs the `vfs serve` command, which starts the indexing
// workers, the garbage collector and the HTTP API.
func NewServeCmd() *cobra.Command {
	var port string
	var requestTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background indexing",
		Long: `Start the HTTP API together with the indexing workers and the periodic
garbage collector. SIGINT or SIGTERM drains in-flight requests and stops
background work.

Examples:
  vfs serve
  vfs serve --port 9090
  VECTOR_BACKEND=qdrant vfs serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if port == "" {
					port = a.cfg.Server.Port
				}
				if err := a.vfs.Start(ctx); err != nil {
					return fmt.Errorf("serve: start background work: %w", err)
				}

				router := http.NewRouter(&http.Deps{
					VFS:            a.vfs,
					DB:             a.db,
					Vectors:        a.vectors,
					Logger:         a.log,
					Metrics:        a.metrics,
					Gatherer:       a.registry,
					RequestTimeout: requestTimeout,
				})
				srv := &nethttp.Server{
					Addr:              ":" + port,
					Handler:           router,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.log.Info("Starting API server", "addr", srv.Addr)
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if !errors.Is(err, nethttp.ErrServerClosed) {
						return fmt.Errorf("serve: API server failed: %w", err)
					}
					return nil
				case <-ctx.Done():
				}

				a.log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("serve: shutdown: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "TCP port to listen on (default: server.port from config)")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 60*time.Second, "Per-request deadline; 0 disables it")

	return cmd
}
