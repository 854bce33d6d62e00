package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/store"
	"viessmann-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("viessmann-go-home starting", "version", version, "model", cfg.Viessmann.Model, "port", cfg.Viessmann.Port)

	opts := []controller.Option{controller.WithTimerApplications(cfg.Timers...)}

	var journal store.Store
	if cfg.Store.Path != "" {
		db, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			logger.Error("open store", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		journal = db
		opts = append(opts, controller.WithJournal(db))
	}

	ctrl, err := controller.Open(controller.Config{
		Model:     cfg.Viessmann.Model,
		Port:      cfg.Viessmann.Port,
		Protocol:  cfg.Viessmann.Protocol,
		Timeout:   time.Duration(cfg.Viessmann.TimeoutSeconds * float64(time.Second)),
		ModelsDir: cfg.Viessmann.ModelsDir,
	}, logger, opts...)
	if err != nil {
		logger.Error("open controller", "err", err)
		os.Exit(1)
	}

	for _, name := range cfg.Timers {
		if !slices.Contains(ctrl.TimerApplications(), name) {
			logger.Warn("unknown timer application", "name", name, "available", ctrl.TimerApplications())
		}
	}
	for _, spec := range cfg.Items {
		if _, err := ctrl.Register(spec); err != nil {
			logger.Error("register item", "datapoint", spec.Datapoint, "err", err)
			ctrl.Close()
			os.Exit(1)
		}
	}
	logger.Info("items registered", "count", len(cfg.Items), "protocol", ctrl.Dialect().String())

	// Consumers subscribe before the first poll so the initial pass reaches them.
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)
	mqtt := initMQTT(ctrl, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if journal != nil {
		webOpts = append(webOpts, web.WithJournal(journal))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // live reads may wait for the line
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	if err := ctrl.Start(context.Background()); err != nil {
		logger.Error("start controller", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := ctrl.Close(); err != nil {
		logger.Error("close controller", "err", err)
	}

	logger.Info("goodbye")
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
