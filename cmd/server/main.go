package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/config"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	zl, err := config.NewLogger(settings.LogLevel, settings.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()

	if err := run(settings, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(settings config.Settings, zl *zap.Logger) error {
	providers, err := config.BuildProviders(settings)
	if err != nil {
		return err
	}
	logger := orchestrator.NewZapLogger(zl)
	orch := config.NewOrchestrator(settings, providers, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orch.SetMetrics(orchestrator.NewMetrics("voice_pipeline", reg))

	srv := server.New(orch, logger, server.Options{
		SystemPrompt:   settings.SystemPrompt,
		TextQueryRate:  settings.TextQueryRate,
		TextQueryBurst: settings.TextQueryBurst,
		Gatherer:       reg,
	})
	// Sessions hang off base so shutdown can end them.
	base, endSessions := context.WithCancel(context.Background())
	defer endSessions()
	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("listening", zap.String("addr", settings.ListenAddr), zap.Any("providers", orch.GetProviders()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zl.Info("shutting down", zap.Int64("sessions", srv.Sessions()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.AbortTimeout+5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		// Shutdown does not track hijacked websocket connections.
		endSessions()
		done := make(chan struct{})
		go func() {
			srv.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			zl.Warn("sessions still open at exit", zap.Int64("sessions", srv.Sessions()))
			// Every session is going away, so the provider-wide stop is safe.
			if err := providers.TTS.Abort(); err != nil {
				zl.Warn("tts abort failed", zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}
