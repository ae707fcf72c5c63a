// Package main is the entry point for the WhatsApp/Slack bridge server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/bridgecommand/wa-slack-bridge/internal/bridge"
	"github.com/bridgecommand/wa-slack-bridge/internal/config"
	"github.com/bridgecommand/wa-slack-bridge/internal/control"
	"github.com/bridgecommand/wa-slack-bridge/internal/health"
	"github.com/bridgecommand/wa-slack-bridge/internal/registry"
	"github.com/bridgecommand/wa-slack-bridge/internal/state"
	"github.com/bridgecommand/wa-slack-bridge/internal/store"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override log level from flag if provided
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("bridge server starting",
		"config", *configPath,
		"listen_addr", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configStore := store.NewConfigStore(cfg.BridgeConfigPath, logger)
	bridgeCfg, err := configStore.Load()
	if err != nil {
		logger.Error("failed to load bridge config", "error", err)
		os.Exit(1)
	}
	reg := registry.New(bridgeCfg, configStore, logger)

	threads, err := store.NewThreadStore(cfg.ThreadMapPath, logger)
	if err != nil {
		logger.Error("failed to load thread map", "error", err)
		os.Exit(1)
	}
	go threads.Run(ctx, cfg.ThreadFlushInterval)

	machine := state.NewMachine()
	monitor := health.NewMonitor(cfg.ReconnectDelay, logger)
	dedup := store.NewDedupCache(cfg.DedupCapacity)
	ctrl := control.NewServer(logger)

	engine, err := bridge.New(ctx, cfg, machine, reg, ctrl, monitor, threads, dedup, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	// Render pairing codes on the terminal for operators running without the
	// front end attached.
	engine.WhatsApp().OnQR = func(code string) {
		fmt.Fprintln(os.Stderr, "Scan this code with WhatsApp on your phone:")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stderr)
		fmt.Fprintln(os.Stderr, "")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ctrl)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(monitor.GetStatus())
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("control channel listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	go engine.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := engine.Close(); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}

	logger.Info("bridge server stopped")
}
