package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/api"
	"github.com/kenneth/stossymoji/internal/audit"
	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/cache"
	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/metrics"
	"github.com/kenneth/stossymoji/internal/middleware"
	"github.com/kenneth/stossymoji/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	keyCacheMaxBytes    = 1 << 20
	statsInterval       = 15 * time.Second
	shutdownGracePeriod = 30 * time.Second
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	metrics.SetVersion(version, commit)
	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"build":   metrics.BuildInfo(),
	}).Info("Starting stossymoji gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx, statsInterval)

	tp, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	if cfg.Tracing.Enabled {
		logger.WithFields(logrus.Fields{
			"exporter":       cfg.Tracing.Exporter,
			"sampling_ratio": cfg.Tracing.SamplingRatio,
		}).Info("Tracing enabled")
	}

	var s3Store blobstore.Store
	if cfg.Store.Backend == config.BackendS3 {
		s3Store, err = blobstore.NewS3Store(ctx, cfg.Store.S3)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 store")
		}
		logger.WithFields(logrus.Fields{
			"bucket":   cfg.Store.S3.Bucket,
			"endpoint": cfg.Store.S3.Endpoint,
		}).Info("Using S3 blob store")
	}

	var keyCache cache.Cache
	if cfg.Cache.Enabled {
		keyCache = cache.NewMemoryCache(keyCacheMaxBytes, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		go reportKeyCacheStats(ctx, keyCache, m)
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Derived-key cache enabled")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	policies := config.NewPolicyManager()
	if err := policies.LoadPolicies(cfg.Policies); err != nil {
		logger.WithError(err).Fatal("Failed to load store policies")
	}
	if n := policies.Len(); n > 0 {
		logger.WithField("policies", n).Info("Store policies loaded")
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create config reloader")
	}
	reloader.SetOnReloadCallback(func(old, new *config.Config) error {
		if err := policies.LoadPolicies(new.Policies); err != nil {
			return err
		}
		if keyCache != nil && config.CredentialsChanged(old, new) {
			if err := keyCache.Clear(context.Background()); err != nil {
				return err
			}
			logger.Info("Store credentials changed, derived-key cache purged")
		}
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	opts := []api.Option{api.WithPolicies(policies)}
	if keyCache != nil {
		opts = append(opts, api.WithKeyCache(keyCache))
	}
	if auditLogger != nil {
		opts = append(opts, api.WithAudit(auditLogger))
	}
	handler := api.NewHandler(reloader.GetCurrentConfig, api.NewStoreFactory(s3Store, logger), logger, m, opts...)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	// Outermost last: recovery sees every panic, request ids reach all logs.
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.ScopeValidationMiddleware(handler.ScopePrefix, logger)(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.TracingMiddleware(tp.TracerProvider(), cfg.Tracing.RedactSensitive)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		rateLimiter.SetStoreLimits(handler.StoreRateLimit)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateHijacked, http.StateClosed:
				m.DecrementActiveConnections()
			}
		},
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func reportKeyCacheStats(ctx context.Context, c cache.Cache, m *metrics.Metrics) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			m.UpdateKeyCacheStats(s.Items, s.Hits, s.Misses)
		}
	}
}
