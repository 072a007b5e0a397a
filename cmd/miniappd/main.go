// Command miniappd is the mini-app host daemon.
//
// Usage:
//
//	miniappd -config miniappd.yaml          # HTTP API on the configured address
//	miniappd -listen :8420 -mcp stdio       # also serve MCP tools on stdin/stdout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/miniapp/host"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to miniappd.yaml (optional)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	mcpTransport := flag.String("mcp", "", "serve MCP tools: stdio")
	heartbeat := flag.Duration("heartbeat", time.Minute, "interval of the stats log line (0 disables)")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *mcpTransport, *heartbeat); err != nil {
		logger.Error("miniappd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen, mcpTransport string, heartbeat time.Duration) error {
	cfg := host.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = host.LoadConfigFile(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}

	h, err := host.New(ctx, cfg, host.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()
	if heartbeat > 0 {
		go h.Heartbeat(ctx, heartbeat)
	}

	switch mcpTransport {
	case "":
	case "stdio":
		srv := mcp.NewServer(&mcp.Implementation{Name: "miniapp", Version: version}, nil)
		h.RegisterMCP(srv)
		go func() {
			logger.Info("miniappd: MCP on stdio")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("miniappd: MCP", "error", err)
			}
		}()
	default:
		return fmt.Errorf("unknown MCP transport %q", mcpTransport)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("miniappd: listening", "addr", cfg.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("miniappd: shutdown", "error", err)
	}
	logger.Info("miniappd: stopped")
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
