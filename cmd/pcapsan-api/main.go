package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PcapSanitizer/internal/arena"
	"PcapSanitizer/internal/batch"
	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/engine/manager"
	"PcapSanitizer/internal/notification"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/internal/report"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "Configuration file")
	listen := pflag.String("listen", "", "Listen address override")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *listen != "" {
		cfg.API.ListenAddr = *listen
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		zap.L().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	scratch := arena.Default()
	if cfg.Pipeline.ScratchDir != "" {
		scratch = arena.New(cfg.Pipeline.ScratchDir, logger)
	}
	scratch.SetLogger(logger)
	defer scratch.Sweep()

	mgr, err := manager.NewManager(cfg, manager.WithLogger(logger), manager.WithArena(scratch))
	if err != nil {
		logger.Fatal("Failed to create pipeline", zap.Error(err))
	}
	defer mgr.Close()

	writers, err := report.Open(context.Background(), cfg.Report, logger)
	if err != nil {
		logger.Fatal("Failed to open result sinks", zap.Error(err))
	}
	defer report.CloseAll(writers, logger)

	runner := batch.NewRunner(mgr, batch.Options{
		Stages:     cfg.Pipeline.Stages,
		Extensions: cfg.Pipeline.AllowedExtensions,
		Writers:    writers,
		Notifier:   notification.NewEmailNotifier(cfg.SMTP),
		Logger:     logger,
	})

	apiHandler := &APIHandler{runner: runner, stages: cfg.Pipeline.Stages, logger: logger}
	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: NewRouter(apiHandler),
	}

	go func() {
		logger.Info("API server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("API server exited.")
}
