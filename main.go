package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	ginlogrus "github.com/toorop/gin-logrus"

	"settingsync/backend"
	"settingsync/config"
	"settingsync/coordinator"
	"settingsync/external"
	"settingsync/state_cache"
	"settingsync/stats_collector"
	"settingsync/webhooks"
)

var statsCollector stats_collector.StatsCollector
var syncCoordinator *coordinator.Coordinator

func main() {
	var wg sync.WaitGroup
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchForShutdown(ctx, cancelFn)
	}()

	cfg, err := config.ReadConfig()
	if err != nil {
		panic(err)
	}

	logLevel := log.InfoLevel
	if cfg.Logging.Debug {
		logLevel = log.DebugLevel
	}
	SetupLogger(logLevel, cfg.Logging.SaveLogs)

	// Both Sentry & Pyroscope are optional and off by default. Read more:
	// https://docs.sentry.io/platforms/go
	// https://pyroscope.io/docs/golang
	external.InitSentry()
	external.InitPyroscope()

	webhooksSender, err := webhooks.NewWebhooksSender(cfg)
	if err != nil {
		log.Fatalf("failed to setup webhooks sender: %s", err)
	}

	log.Infof("Settingsync starting")

	store, err := backend.Open(backend.Options{
		DSN:       cfg.Backend.DSN,
		Namespace: cfg.Backend.Namespace,
		Quota: backend.Quota{
			Bytes:        cfg.Backend.QuotaBytes,
			BytesPerItem: cfg.Backend.QuotaBytesPerItem,
		},
		PollInterval: cfg.Backend.PollInterval,
	})
	if err != nil {
		log.Fatalf("failed to open backend: %s", err)
	}
	log.Infof("Backend %T opened for namespace %s", store, store.Namespace())

	// Start the web server.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// choose the statsCollector we will use.
	statsCollector = stats_collector.GetStatsCollector(cfg, r)

	syncCoordinator = coordinator.New(coordinator.Options{
		Store:          store,
		Stats:          statsCollector,
		Notifier:       webhooksSender,
		NotifyOnChange: cfg.NotifyOnChange,
		QuotaBytes:     cfg.Backend.QuotaBytes,
		Cache: state_cache.Options{
			FastTTL: cfg.Cache.FastTTL,
			TTL:     cfg.Cache.TTL,
		},
		BatchWindow:         cfg.Batch.Window,
		BatchSafetyInterval: cfg.Batch.SafetyInterval,
		MaxWritesPerWindow:  cfg.Batch.MaxWritesPerWindow,
		RateWindow:          cfg.Batch.RateWindow,
		StatsDebounce:       cfg.StatsFlush.Debounce,
		StatsSafetyInterval: cfg.StatsFlush.SafetyInterval,
	})
	syncCoordinator.Start(ctx)
	StartStorageUsageLogger(ctx, syncCoordinator, time.Minute)

	if len(cfg.ListenerUrls()) > 0 {
		log.Infof("Delivering notifications to %d listeners", len(cfg.ListenerUrls()))
	}

	wg.Add(1)
	go func() {
		defer cancelFn()
		defer wg.Done()

		err := webhooksSender.Run(ctx)
		if err != nil {
			log.Errorf("failed to start webhooks sender: %s", err)
		}
	}()

	if cfg.Logging.Debug {
		r.Use(ginlogrus.Logger(log.StandardLogger()))
	} else {
		r.Use(gin.Recovery())
	}
	setupRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	wg.Add(1)
	go func() {
		defer cancelFn()
		defer wg.Done()

		log.Infof("Settingsync listening on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Failed to listen and start http server: %s", err)
		}
	}()

	// wait for shutdown to be signaled in some way. This can be from a failure
	// to start the webhook sender, failure to start the http server, and/or
	// watchForShutdown() saying it is time to shutdown.
	<-ctx.Done()

	log.Info("Starting shutdown...")

	// So now we attempt to shutdown the http server, telling it to wait for open requests to
	// finish for 5 seconds before just pulling the plug.
	shutdownCtx, shutdownCancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancelFn()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("Graceful shutdown timed out, exiting.")
		} else {
			log.Errorf("Error during http server shutdown: %s", err)
		}
	}

	log.Info("http server is shutdown, waiting for other go routines to exit...")
	wg.Wait()

	// final flush of pending writes and stats before the backend goes away
	syncCoordinator.Stop()

	log.Info("go routines have exited, flushing webhooks now...")
	webhooksSender.Flush()

	if err := store.Close(); err != nil {
		log.Errorf("Error closing backend: %s", err)
	}
	external.FlushSentry()

	log.Info("Settingsync exiting!")
}
