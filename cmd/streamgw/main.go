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
	"github.com/sebas/calltap/internal/logger"
	"github.com/sebas/calltap/internal/observe"
	"github.com/sebas/calltap/internal/streamgw"
)

func main() {
	cfg, err := streamgw.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	assistant := "disabled"
	if cfg.Assistant.Enabled {
		assistant = cfg.Assistant.URL
	}
	banner.Print("Streaming Gateway", []banner.ConfigLine{
		{Label: "HTTP port", Value: fmt.Sprintf("%d", cfg.HTTPPort)},
		{Label: "RTP in", Value: fmt.Sprintf("%s:%d", cfg.RTPBind, cfg.RTPPortIn)},
		{Label: "RTP out", Value: fmt.Sprintf("%s:%d", cfg.RTPBind, cfg.RTPPortOut)},
		{Label: "Role mode", Value: string(cfg.RoleMode)},
		{Label: "Session cap", Value: fmt.Sprintf("%d", cfg.MaxSessions)},
		{Label: "Assistant", Value: assistant},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, "calltap-streamgw")
	if err != nil {
		slog.Error("Failed to initialise metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	gw := streamgw.NewGateway(cfg, observe.Default())
	if err := gw.Start(); err != nil {
		slog.Error("Failed to start RTP intake", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: gw.Router(),
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

	gw.Shutdown()
	slog.Info("Streaming gateway stopped")
}
