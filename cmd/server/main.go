package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coderunr/engine/internal/config"
	"github.com/coderunr/engine/internal/governor"
	"github.com/coderunr/engine/internal/handler"
	"github.com/coderunr/engine/internal/isolation"
	"github.com/coderunr/engine/internal/job"
	"github.com/coderunr/engine/internal/middleware"
	"github.com/coderunr/engine/internal/runtime"
	"github.com/coderunr/engine/internal/service"
	"github.com/coderunr/engine/internal/supervisor"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func main() {
	// The binary re-execs itself as an rlimit-applying helper that runs
	// under the slot's UID/GID (see supervisor.Run); this must be the very first thing main does, before
	// config/logging/router setup, so the helper invocation stays cheap.
	if supervisor.IsChildInvocation(os.Args) {
		if err := supervisor.RunChild(os.Args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(97)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logger.Info("starting CodeRunr engine")

	if err := ensureDataDirectories(cfg); err != nil {
		logger.WithError(err).Fatal("failed to create data directories")
	}

	runtimeManager := runtime.NewManager(cfg)
	if err := runtimeManager.LoadPackages(); err != nil {
		logger.WithError(err).Fatal("failed to load packages")
	}

	provider, err := isolation.NewProvider(isolation.Config{
		Root:    cfg.IsolateRoot,
		BaseUID: cfg.RunnerUIDMin,
		BaseGID: cfg.RunnerGIDMin,
		Count:   cfg.SlotCount(),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize isolation provider")
	}
	logger.Infof("isolation provider ready with %d sandbox slots", provider.Count())

	jobManager := job.NewManager(provider)
	gov := governor.New(cfg.MaxConcurrentJobs, cfg.MaxConcurrentJobsPerKey)
	packageService := service.NewPackageService(cfg, logger, runtimeManager)

	h := handler.NewHandler(jobManager, gov, logger)
	packageHandler := handler.NewPackageHandler(packageService, logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(60 * time.Second))
				r.Post("/execute", h.ExecuteCode)
			})
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(10 * time.Minute))
				packageHandler.RegisterRoutes(r)
			})
		})

		r.HandleFunc("/connect", h.HandleWebSocket)
		r.Get("/runtimes", h.GetRuntimes)
	})

	r.Get("/", h.GetVersion)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cfg.GetBindAddress(),
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("engine listening on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("server exited")
}

// ensureDataDirectories ensures that all required data directories exist.
func ensureDataDirectories(cfg *config.Config) error {
	directories := []string{
		cfg.DataDirectory,
		cfg.DataDirectory + "/packages",
		cfg.IsolateRoot,
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
