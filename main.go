package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"camrelay/config"
	"camrelay/httpServer"
	"camrelay/internal/auth"
	"camrelay/internal/metrics"
	"camrelay/internal/probe"
	"camrelay/internal/relay"
	"camrelay/internal/sessionmanager"
	"camrelay/internal/snapshot"
	"camrelay/internal/storage"
	"camrelay/internal/upstream"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func newStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (storage.Storage, error) {
	if cfg.StorageType == "gcs" {
		if cfg.GCSProjectID == "" || cfg.GCSBucketName == "" {
			return nil, errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"bucket":  cfg.GCSBucketName,
			"project": cfg.GCSProjectID,
			"baseDir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
		return gcsStorage, nil
	}

	localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	log.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	return localStorage, nil
}

func main() {
	// Load configuration
	cfg := config.Load()
	log := newLogger(cfg)
	log.Info("Starting camrelay...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStorage(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Upstream side
	pool := upstream.NewPool(upstream.PoolConfig{
		ConnectTimeout:    cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		ChunkSize:         cfg.ChunkSize,
		MaxStreamsPerHost: cfg.PoolMaxStreamsPerHost,
		IdleTTL:           cfg.PoolIdleTTL,
	}, log)
	defer pool.Close()
	prober := probe.New(pool, cfg.ProbeTimeout, cfg.ProbePaths, log)

	r := relay.New(pool, prober, m, relay.Options{
		MaxFrameSize:  cfg.MaxFrameSize,
		UpstreamHints: cfg.UpstreamHints,
	}, log)
	sessions := sessionmanager.New(cfg.MaxConcurrentSessions, sessionmanager.DefaultHistorySize)
	snaps := snapshot.New(store, cfg.SnapshotMaxPerSession, log)
	sessions.OnEvict = snaps.Forget

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	authManager := auth.New(cfg.APIToken, cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration)
	if !authManager.Enabled() {
		log.Warn("API_TOKEN not set, control API is unauthenticated")
	}

	httpSrv := httpServer.New(r, sessions, snaps, m, httpServer.Options{
		DefaultCameraPort: cfg.DefaultCameraPort,
		ScanRateLimit:     cfg.ScanRateLimit,
		ScanBurst:         cfg.ScanBurst,
		Gatherer:          reg,
		Auth:              authManager,
	}, log)

	// no WriteTimeout: streams are long-lived
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpSrv.Handler(),
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		log.Info("Routes: /stream, /stream/:preset, /ws/stream, /api/ping, /api/stats, /api/scan, /api/presets, /api/v1/sessions, /api/v1/tokens, /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	// streams never go idle, so end them before waiting on the server
	sessions.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown incomplete")
	}
	log.Info("camrelay stopped")
}
