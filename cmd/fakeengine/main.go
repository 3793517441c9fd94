// fakeengine is a stand-in for the image-generation engine. It speaks the
// engine's HTTP and event-channel protocol and executes nothing, so the worker
// can be run end to end without a GPU.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fakeengine: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen       string
		port         int
		startupDelay time.Duration
		nodeDelay    time.Duration
	)
	cmd := &cobra.Command{
		Use:           "fakeengine [entry]",
		Short:         "Serve the engine protocol without executing anything",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		// The worker passes the real engine's full flag set.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := config.NewLogger(os.Stderr, slog.LevelInfo, "json")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if startupDelay > 0 {
				logger.Info("simulating startup", "delay", startupDelay)
				select {
				case <-time.After(startupDelay):
				case <-ctx.Done():
					return nil
				}
			}
			e := newEngine(logger, nodeDelay)
			return serve(ctx, net.JoinHostPort(listen, strconv.Itoa(port)), e, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1", "Listen host")
	cmd.Flags().IntVar(&port, "port", 8188, "Listen port")
	cmd.Flags().Bool("cpu", false, "Accepted for compatibility")
	cmd.Flags().DurationVar(&startupDelay, "startup-delay", 0, "Delay before answering requests")
	cmd.Flags().DurationVar(&nodeDelay, "node-delay", 10*time.Millisecond, "Simulated time per node")
	return cmd
}

func serve(ctx context.Context, addr string, e *fakeEngine, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           e.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake engine listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
