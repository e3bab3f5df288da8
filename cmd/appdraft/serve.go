package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appdraft/appdraft"
)

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg := appdraft.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = appdraft.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
	}

	// The re-exec'd child comes back through here without --daemonize and
	// serves normally.
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	slogger, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	slog.SetDefault(slogger)

	app, err := appdraft.New(appdraft.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := appdraft.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := appdraft.ServeMetrics(cfg.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	server, err := appdraft.NewHTTPServer(cfg.Server.Listen, app)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting appdraft server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	_ = server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return removePidFile(flags.PidFile)
}
