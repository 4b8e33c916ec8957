package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authdns/pkg/config"
	"authdns/pkg/dns"
	"authdns/pkg/logging"
	"authdns/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "config.yml", "Path to configuration file")
	watchConfig = flag.Bool("watch", true, "Reload records and log_dns_queries when the config file changes")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("authdns %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	logger.Info("authdns starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	server, err := dns.NewServer(cfg, nil, logger)
	if err != nil {
		logger.Error("Failed to create DNS server", "error", err)
		os.Exit(1)
	}

	if err := telem.RegisterCore(telemetry.Sources{
		Counters: server.Counters(),
		Latency:  server.Latency(),
		Queue:    server.Registry(),
		Cache:    server.Cache(),
	}); err != nil {
		logger.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	if *watchConfig {
		watcher, err := config.NewWatcher(*configPath, logger.Logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			watcher.OnChange(server.ApplyConfig)
			go func() {
				if err := watcher.Start(serverCtx); err != nil {
					logger.Error("Config watcher failed", "error", err)
				}
			}()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(serverCtx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("Error during server shutdown", "error", err)
			}
		case <-shutdownCtx.Done():
			logger.Error("Timed out waiting for the server to stop")
		}

		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		logger.Info("authdns stopped")

	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}
}
