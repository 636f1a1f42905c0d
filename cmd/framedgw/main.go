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

	"github.com/sebas/calltap/internal/banner"
	"github.com/sebas/calltap/internal/framedgw"
	"github.com/sebas/calltap/internal/logger"
	"github.com/sebas/calltap/internal/observe"
)

func main() {
	cfg := framedgw.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	banner.Print("Framed Gateway", []banner.ConfigLine{
		{Label: "HTTP port", Value: fmt.Sprintf("%d", cfg.HTTPPort)},
		{Label: "Downstream", Value: fmt.Sprintf("%s:%d", cfg.DownstreamHost, cfg.DownstreamPort)},
		{Label: "WAV dumps", Value: dumpLabel(cfg.DumpDir)},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, "calltap-framedgw")
	if err != nil {
		slog.Error("Failed to initialise metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	srv := framedgw.NewServer(cfg, observe.Default())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv,
	}

	go func() {
		slog.Info("HTTP server listening", "address", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	srv.Shutdown()
	slog.Info("Framed gateway stopped")
}

func dumpLabel(dir string) string {
	if dir == "" {
		return "disabled"
	}
	return dir
}
