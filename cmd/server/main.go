package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chadiek/call-capture/internal/config"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/httpserver"
	"github.com/chadiek/call-capture/internal/metrics"
	"github.com/chadiek/call-capture/internal/rtc"
	"github.com/chadiek/call-capture/internal/webhook"
	"github.com/chadiek/call-capture/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr, logLevel string
	cmd := &cobra.Command{
		Use:           "call-capture",
		Short:         "Voice agent call server with in-call email capture",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.HTTPAddress = addr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDRESS)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("calls will fail until configured", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCallMetrics(reg)

	notifier := webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookTimeout, logger.Named("webhook"), m)
	voice := convai.NewClient(cfg.ConvaiURL, cfg.ElevenLabsKey, logger.Named("convai"))
	calls := rtc.NewHandler(rtc.Options{
		AuthPassword:     cfg.AuthPassword,
		Agent:            cfg.Agent(),
		CaptureTimeout:   cfg.CaptureTimeout,
		AllowAgentCancel: cfg.AllowAgentCancel,
		WebhookOrigins:   cfg.WebhookOrigins,
	}, voice, notifier, logger.Named("call"), m)

	srv := httpserver.New(cfg.AuthPassword, calls, reg, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.HTTPAddress))
		serverErrors <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	// hijacked call sockets are not tracked by the http server
	calls.Close()
	notifier.Wait()
	logger.Info("server stopped")
	return nil
}
