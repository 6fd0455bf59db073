package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/api"
)

// newServeCmd creates the 'serve' subcommand, which exposes the fetcher over HTTP.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fetch API, health probes and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			addr := fmt.Sprintf(":%d", resolvePort(port, appInstance.GetConfig().Server.Port))
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			return runServer(cmd.Context(), appInstance, lis)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config, or $PORT)")
	return cmd
}

// resolvePort prefers the flag, then $PORT, then the configured port.
func resolvePort(flagPort, configured int) int {
	if flagPort > 0 {
		return flagPort
	}
	if env, err := strconv.Atoi(os.Getenv("PORT")); err == nil && env > 0 {
		return env
	}
	return configured
}

// runServer serves until ctx is canceled, then drains in-flight requests.
func runServer(ctx context.Context, appInstance App, lis net.Listener) error {
	logger := appInstance.GetLogger()
	apiServer := api.NewServer(appInstance.GetFetcher(), appInstance.GetConfig(), logger.Named("api"))
	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
