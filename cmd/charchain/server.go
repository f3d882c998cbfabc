package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// server is asked to stop.
const shutdownTimeout = 10 * time.Second

var serveAddr string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	return cmd
}

// newAPIHandler builds the API mux with every route behind API key
// authentication. shutdown is invoked by the shutdown endpoint.
func newAPIHandler(a *app, shutdown func()) http.Handler {
	authAPI := NewAuthAPI(a.db, a.logger)

	apiMux := http.NewServeMux()
	authAPI.RegisterRoutes(apiMux)
	NewModelAPI(a.store, a.config, a.logger).RegisterRoutes(apiMux)
	NewServerAPI(a.config, shutdown, a.logger).RegisterRoutes(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/api/", authAPI.Authenticate(apiMux))
	return mux
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Flags().Changed("addr") {
		a.config.Server.ApiAddr = serveAddr
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	keys, err := listAPIKeys(ctx, a.db)
	if err != nil {
		return fmt.Errorf("failed to read api keys: %w", err)
	}
	if len(keys) == 0 {
		a.logger.Warn("No API keys exist; every request will be rejected. Create one with 'charchain keys create'.")
	}

	srv := &http.Server{
		Addr:              a.config.Server.ApiAddr,
		Handler:           newAPIHandler(a, cancel),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting api server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Stopping api server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Api server shutdown failed", "error", err)
		return err
	}
	a.logger.Info("Api server stopped.")
	return nil
}
