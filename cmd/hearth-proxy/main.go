// hearth-proxy — federating read API proxy for a fleet of hearthd servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/logging"
	"github.com/hearthd/hearthd/internal/proxy"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/hearthd/proxy.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadProxy(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, os.Stdout)
	logger.Info("hearth-proxy starting",
		"version", version,
		"config", *configPath,
		"listen", cfg.Proxy.Listen,
		"upstreams", len(cfg.Proxy.Servers),
		"duplicate_mac_policy", cfg.Proxy.DuplicateMACPolicy)

	server := proxy.NewServer(cfg, logger)
	ln, err := server.Listen()
	if err != nil {
		logger.Error("failed to start proxy server", "error", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("proxy server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("proxy shutdown failed", "error", err)
	}

	logger.Info("hearth-proxy stopped")
}
