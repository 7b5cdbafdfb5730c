package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentstate/pkg/observability"
)

// verifyState holds the outcome of the most recent scheduled scan.
type verifyState struct {
	mu   sync.Mutex
	last error
}

func (s *verifyState) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = err
}

func (s *verifyState) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (app *App) addServeCommand(rootCmd *cobra.Command) {
	var port int
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and health endpoints and verify stores on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == 0 {
				port = app.cfg.Observability.MetricsPort
			}
			if port == 0 {
				port = 9090
			}
			return app.serve(cmd.Context(), port)
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (defaults to observability.metrics_port, then 9090)")
	rootCmd.AddCommand(serveCmd)
}

func (app *App) serve(ctx context.Context, port int) error {
	metrics := app.Metrics()
	store, err := app.SessionStore(ctx)
	if err != nil {
		return err
	}

	v, err := app.verifier(ctx, store)
	if err != nil {
		return err
	}

	var state verifyState
	health := observability.NewHealthChecker(Version)
	health.RegisterCheck(observability.StoreCheck(store))
	health.RegisterCheck(observability.VerifyCheck(state.get))

	runVerify := func() {
		start := time.Now()
		report, err := v.Run(ctx)
		metrics.RecordVerify(err)
		state.set(err)
		if err != nil {
			app.log.Error("scheduled verification failed", "err", err)
			return
		}
		app.log.Info("scheduled verification passed",
			"sessions", report.Sessions, "logs", report.Logs, "took", time.Since(start))
	}

	c := cron.New()
	if _, err := c.AddFunc(app.cfg.Verify.Schedule, runVerify); err != nil {
		return fmt.Errorf("schedule verification: %w", err)
	}
	c.Start()

	server := observability.NewServer(port, metrics, health)
	errChan := make(chan error, 1)
	go func() {
		app.log.Info("starting observability server", "port", port, "schedule", app.cfg.Verify.Schedule)
		errChan <- server.Start()
	}()

	select {
	case err = <-errChan:
		if err != nil {
			app.log.Error("observability server failed", "err", err)
		}
	case <-ctx.Done():
		app.log.Info("shutting down")
	}

	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		app.log.Warn("server shutdown error", "err", serr)
	}
	return err
}
