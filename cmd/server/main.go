package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/handlers"
	"github.com/Brownie44l1/chest-cancer-api/internal/logging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	for _, k := range []string{"LANG", "LC_ALL"} {
		if os.Getenv(k) == "" {
			os.Setenv(k, handlers.DefaultLocale)
		}
	}

	cm, err := config.NewManager(config.Paths())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cm.GetServerConfig()
	logging.Init(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	onnx := cm.GetONNXConfig()
	opener := model.ONNXOpener(model.ONNXOptions{LibraryPath: onnx.LibraryPath, IntraOpThreads: onnx.IntraOpThreads})
	defer model.ShutdownRuntime()

	service := handlers.NewModelService(cfg.ModelPath, opener)
	if err := service.Reload(); err != nil {
		// The server still starts so /train can produce the first model.
		slog.Warn("no model loaded", "path", cfg.ModelPath, "error", err)
	}
	defer service.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := handlers.NewMetrics(reg)
	trainer := handlers.NewCommandTrainer(cfg.TrainCommand, os.Stderr)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(handlers.LoggingMiddleware)
	handlers.NewHandler(service, trainer, metrics, reg).Register(e)

	port := envOr("PORT", cfg.Port)
	go func() {
		slog.Info("server starting", "port", port, "model", cfg.ModelPath, "train_command", cfg.TrainCommand)
		slog.Info("endpoints",
			"GET /", "upload page",
			"GET /health", "health check",
			"GET|POST /train", "run the training pipeline",
			"POST /predict", "base64 image prediction",
			"POST /predict/image", "multipart image prediction",
			"GET /metrics", "prometheus metrics")
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
