package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/banner"
	"github.com/sebas/calltap/internal/logger"
	"github.com/sebas/calltap/internal/observe"
	"github.com/sebas/calltap/internal/orchestrator"
)

func main() {
	cfg, err := orchestrator.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	banner.Print("Tap Orchestrator", []banner.ConfigLine{
		{Label: "HTTP port", Value: fmt.Sprintf("%d", cfg.HTTPPort)},
		{Label: "PBX control", Value: cfg.ARIBaseURL},
		{Label: "Stasis app", Value: cfg.ARIApp},
		{Label: "Framed gateway", Value: cfg.FramedBase},
		{Label: "Framed ports", Value: fmt.Sprintf("%d-%d", cfg.PortMin, cfg.PortMax)},
		{Label: "Streaming gateway", Value: cfg.StreamBase},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, "calltap-orchestrator")
	if err != nil {
		slog.Error("Failed to initialise metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	var opts []ari.Option
	if cfg.PathPrefix != "" {
		opts = append(opts, ari.WithPathPrefix(cfg.PathPrefix))
	}
	cli, err := ari.Connect(cfg.ARIBaseURL, cfg.ARIUser, cfg.ARIPass, opts...)
	if err != nil {
		slog.Error("Failed to build PBX control client", "error", err)
		os.Exit(1)
	}

	mgr := orchestrator.NewManager(cfg, cli, observe.Default())

	if err := cli.Start(ctx, cfg.ARIApp); err != nil {
		slog.Error("Failed to connect event stream", "error", err)
		os.Exit(1)
	}

	srv := orchestrator.NewServer(mgr)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.Router(),
	}

	go func() {
		slog.Info("HTTP server listening", "address", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
	case <-cli.Done():
		slog.Error("Event stream lost, shutting down", "error", cli.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	mgr.Shutdown()
	cli.Close()
	slog.Info("Tap orchestrator stopped")
}
