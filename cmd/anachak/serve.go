package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/anachak-go/internal/agent"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long:  `Start the HTTP API. Transcript changes are streamed on GET /events; metrics are exposed on /metrics.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap(ctx, "")
	if err != nil {
		return err
	}
	defer app.store.Close()

	hub := server.NewHub()
	a := app.newAgent(agent.WithObserver(hub.Publish))
	if err := a.Load(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%s", app.cfg.Server.Host, app.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(a, hub, app.cfg.Attachments.MaxBytes).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("graceful shutdown failed", "error", err)
		}
	}
	a.Wait()
	return nil
}
