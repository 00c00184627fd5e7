// hearthd — DHCPv4 server with an integrated lease database and read API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/hearthd/hearthd/internal/api"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/dhcp"
	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
	"github.com/hearthd/hearthd/internal/logging"
	"github.com/hearthd/hearthd/internal/metrics"
	"github.com/hearthd/hearthd/internal/notify"
	"github.com/hearthd/hearthd/internal/pool"
	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/hearthd/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	// Start pprof debug server if requested
	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "0.0.0.0:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	// SIGUSR1 dumps all goroutine stacks to /tmp/hearthd-goroutines.txt
	// Works even under 100% CPU since signals are kernel-delivered
	go func() {
		sigUsr1 := make(chan os.Signal, 1)
		signal.Notify(sigUsr1, syscall.SIGUSR1)
		for range sigUsr1 {
			buf := make([]byte, 64*1024*1024)
			n := runtime.Stack(buf, true)
			path := "/tmp/hearthd-goroutines.txt"
			if err := os.WriteFile(path, buf[:n], 0644); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write goroutine dump: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "goroutine dump written to %s (%d bytes)\n", path, n)
			}
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, os.Stdout)
	logger.Info("hearthd starting",
		"version", version,
		"config", *configPath,
		"interface", cfg.Network.Interface,
		"server_ip", cfg.Network.ServerIP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Lease database
	store, err := lease.NewStore(cfg.Database.LeaseFile)
	if err != nil {
		logger.Error("failed to open lease database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("lease database opened",
		"path", cfg.Database.LeaseFile, "lease_count", store.Count())

	// History log
	hist, err := history.Open(cfg.Database.HistoryFile, logger)
	if err != nil {
		logger.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	// Operator user store
	users, err := api.OpenUserStore(cfg.Database.AuthFile)
	if err != nil {
		logger.Error("failed to open auth database", "error", err)
		os.Exit(1)
	}
	defer users.Close()
	if users.Count() == 0 {
		pw := randomPassword()
		if err := users.CreateUser("admin", pw); err != nil {
			logger.Error("failed to create initial admin user", "error", err)
			os.Exit(1)
		}
		logger.Warn("created initial admin user, change this password",
			"username", "admin", "password", pw)
	}

	// Device notifications
	var (
		notifier lease.Notifier
		webhook  *notify.Webhook
	)
	if cfg.Notify.Enabled {
		webhook = notify.NewWebhook(cfg.Notify, logger)
		notifier = webhook
		logger.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	}

	inactivity := time.Duration(0)
	if cfg.Notify.Enabled && cfg.Notify.NotifyInactiveDevice {
		inactivity = cfg.InactivePeriod()
	}
	registry := lease.NewRegistry(store, hist, notifier,
		cfg.LeaseDuration(), inactivity, logger)

	// Address pool
	serverIP := cfg.ServerIP()
	mask := cfg.SubnetMask()
	network := dhcpv4.Uint32ToIP(dhcpv4.IPToUint32(serverIP) & dhcpv4.IPToUint32(mask))
	start, end := cfg.PoolRange()
	p, err := pool.NewRange(start, end, network, mask)
	if err != nil {
		logger.Error("invalid address pool", "error", err)
		os.Exit(1)
	}

	// Existing rows from another subnet are released before serving
	if migrated, err := registry.CheckSubnetConsistency(network, mask, p); err != nil {
		logger.Error("subnet consistency check failed", "error", err)
		os.Exit(1)
	} else if migrated > 0 {
		logger.Info("released leases outside the configured subnet", "count", migrated)
	}

	counters := metrics.NewCounterMap()
	engine := dhcp.NewEngine(cfg, registry, p, counters, logger)
	dhcpServer := dhcp.NewServer(engine, cfg.Network.Interface, "", logger)

	sweeper := lease.NewSweeper(registry, hist,
		cfg.ExpireCheckPeriod(), cfg.HistoryRetention(), logger)

	var flusher *notify.Flusher
	if cfg.Metrics.Enabled {
		sink := notify.NewInfluxSink(cfg.Metrics.URL, cfg.Metrics.Token,
			cfg.Metrics.Org, cfg.Metrics.Bucket, cfg.Metrics.Measurement)
		flusher = notify.NewFlusher(counters, sink, cfg.MetricsInterval(), logger)
		logger.Info("metrics sink enabled",
			"url", cfg.Metrics.URL, "interval", cfg.MetricsInterval())
	}

	apiServer := api.NewServer(cfg, registry, hist, users, logger,
		api.WithVersion(version))
	ln, err := apiServer.Listen()
	if err != nil {
		logger.Error("failed to start API server", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	dhcpErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		dhcpErr <- dhcpServer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if flusher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flusher.Run(ctx)
		}()
	}

	go func() {
		if err := apiServer.Serve(ln); err != nil {
			logger.Error("API server failed", "error", err)
		}
	}()

	// Block until a shutdown signal or a fatal DHCP server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-dhcpErr:
		if err != nil {
			logger.Error("DHCP server failed", "error", err)
		}
	}

	// Shutdown: stop packet intake first, then drain the background
	// workers, then close the API and flush pending notifications.
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
	shutdownCancel()

	if webhook != nil {
		webhook.Wait()
	}

	logger.Info("hearthd stopped")
}

func randomPassword() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
