package cli

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

	"github.com/lazypower/forgettable/internal/engine"
	"github.com/lazypower/forgettable/internal/metrics"
	"github.com/lazypower/forgettable/internal/server"
	"github.com/lazypower/forgettable/internal/store"
)

var (
	serveAddr  string
	serveStore string
	serveRate  float64
	serveSweep time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address host:port (overrides server.bind and server.port)")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "Store DSN, comma separated for shards (overrides store.dsn)")
	serveCmd.Flags().Float64Var(&serveRate, "rate", 0, "Decay rate per second (overrides decay.rate)")
	serveCmd.Flags().DurationVar(&serveSweep, "sweep-interval", 0, "Background decay interval, 0 disables (overrides decay.sweep_interval)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		if err := cfg.SetListenAddr(serveAddr); err != nil {
			return fmt.Errorf("invalid --addr %q: %w", serveAddr, err)
		}
	}
	if flags.Changed("store") {
		cfg.SetStore(serveStore)
	}
	if flags.Changed("rate") {
		cfg.Decay.Rate = serveRate
	}
	if flags.Changed("sweep-interval") {
		cfg.Decay.SweepInterval = serveSweep
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.OpenSharded(openCtx, cfg.StoreDSNs(), store.Options{PoolSize: cfg.Store.PoolSize, Logger: log})
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	engOpts := []engine.Option{
		engine.WithRate(cfg.Decay.Rate),
		engine.WithMaxAttempts(cfg.Decay.MaxAttempts),
		engine.WithLogger(log),
	}
	srvOpts := []server.Option{server.WithLogger(log)}
	if cfg.Metrics.Enabled {
		m := metrics.New()
		engOpts = append(engOpts, engine.WithRecorder(m))
		srvOpts = append(srvOpts, server.WithMetrics(m))
	}

	eng := engine.New(st, engOpts...)
	eng.StartSweeper(cfg.Decay.SweepInterval)
	defer eng.Stop()

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng, VersionString(), srvOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", addr, "stores", len(cfg.StoreDSNs()), "rate", cfg.Decay.Rate,
			"sweep_interval", cfg.Decay.SweepInterval.String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-done:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
