package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iammorganparry/clive/apps/memengine/internal/config"
	"github.com/iammorganparry/clive/apps/memengine/internal/mcp"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	// stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(cfg.MemoryServerURL, cfg.MCPProject, cfg.APIKey, version, logger)
	if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
