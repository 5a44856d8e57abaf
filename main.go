package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/pkg/gpuinfo"
	"github.com/docker/gguf-my-repo/internal/utils"
	"github.com/docker/gguf-my-repo/pkg/jobs"
	"github.com/docker/gguf-my-repo/pkg/metrics"
	"github.com/docker/gguf-my-repo/pkg/reporting"
	"github.com/docker/gguf-my-repo/pkg/restart"
	"github.com/docker/gguf-my-repo/pkg/service"
	"github.com/docker/gguf-my-repo/pkg/web"
)

var log = logrus.New()

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	cfg, err := loadConfig(os.LookupEnv)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logFile, err := configureLogging(log, cfg)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	var reporter jobs.Reporter
	if cfg.SentryDSN != "" {
		sentryReporter, err := reporting.New(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: service.Version,
		})
		if err != nil {
			log.Warnf("Failure reporting disabled: %v", err)
		} else {
			reporter = sentryReporter
			defer sentryReporter.Flush(2 * time.Second)
		}
	}

	manager := jobs.New(
		log.WithFields(logrus.Fields{"component": "jobs"}),
		jobs.Config{
			QueueSize: cfg.QueueSize,
			Retention: cfg.JobRetention,
			Reporter:  reporter,
		},
	)
	registry := metrics.NewRegistry(log.WithField("component", "metrics"), manager.Stats)

	svc := service.New(log, cfg, registry.NewHubClient(http.DefaultClient), gpuinfo.New())

	log.Infof("LLAMA_CPP_DIR: %s", cfg.LlamaCppDir)
	if err := svc.Toolchain.Check(); err != nil {
		log.Warnf("Requests will fail until the toolchain is installed: %v", err)
	}
	log.Infof("Upload mode: %s", cfg.UploadMode)
	if cfg.HubToken != "" {
		log.Infof("Anonymous searches use token %s", utils.RedactToken(cfg.HubToken))
	}

	opts := web.Options{
		Pipeline:    svc.Pipeline,
		Jobs:        manager,
		Hubs:        func(token string) web.Hub { return svc.HubFor(token) },
		HubToken:    cfg.HubToken,
		HubEndpoint: svc.Hub.Endpoint(),
		UploadMode:  cfg.UploadMode,
		OAuth:       cfg.OAuth,
		UploadsDir:  cfg.DownloadsDir,
		Origins:     cfg.Origins,
	}
	// Add metrics endpoint if enabled
	if !cfg.DisableMetrics {
		opts.Metrics = registry
		opts.Middleware = registry.Middleware
		log.Info("Metrics endpoint enabled at /metrics")
	} else {
		log.Info("Metrics endpoint disabled")
	}
	ui, err := web.New(log.WithField("component", "web"), opts)
	if err != nil {
		log.Fatalf("Unable to initialize web server: %v", err)
	}

	spaceID := ""
	if cfg.RestartEnabled() {
		spaceID = cfg.SpaceID
	}
	restarter := restart.New(log.WithField("component", "restart"), svc.Hub, spaceID, cfg.RestartInterval)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           ui.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	log.Infof("Listening on TCP port %s", cfg.Port)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		manager.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		restarter.Run(workerCtx)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
		cancelShutdown()
	}
	log.Infoln("Waiting for running jobs to stop")
	stopWorkers()
	workers.Wait()
	log.Infoln("GGUF My Repo stopped")
}

// loadConfig builds the configuration from defaults, the YAML file named by
// CONFIG_FILE and the environment.
func loadConfig(lookup func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging applies the log level and, when a log file is
// configured, copies all output to it. The returned file must be closed by
// the caller.
func configureLogging(log *logrus.Logger, cfg *config.Config) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.LogFile == "" {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(log.Out, f))
	return f, nil
}
