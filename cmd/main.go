package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cs2-scanner/internal/api"
	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/directory"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/notify"
	"github.com/cs2-scanner/internal/saved"
	"github.com/cs2-scanner/internal/scanner"
	"github.com/cs2-scanner/internal/service"
	"github.com/cs2-scanner/internal/snapshot"
	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/tracker"
	log "github.com/sirupsen/logrus"
)

const (
	version                 = "1.0.0"
	snapshotPersistInterval = time.Minute
)

var configFile = flag.String("config", "config.json", "Path to configuration file (JSON or YAML)")

func main() {
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting CS2 Server Scanner v%s", version)

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level and format
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, nil)

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage.Type, storage.Options{
		Path:     cfg.Storage.Path,
		Database: cfg.Storage.Database,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Saved servers are read once; memory is authoritative afterwards
	savedStore := saved.NewStore(store, metricsCollector)
	if err := savedStore.Load(); err != nil {
		log.Warnf("Failed to load saved servers: %v (starting empty)", err)
	}

	tr := tracker.New(tracker.OptionsFromConfig(cfg), savedStore, metricsCollector)

	steam, err := directory.NewSteamClient(cfg.Directory, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to initialize directory client: %v", err)
	}
	collector := directory.NewCollector(steam, cfg.Directory, metricsCollector)

	hub := notify.NewHub(cfg.API.MaxSubscribers, metricsCollector)

	// Initialize snapshot manager
	snapshotMgr := snapshot.NewManager(store, snapshotPersistInterval)
	if err := snapshotMgr.LoadFromStorage(); err != nil {
		log.Warnf("Failed to load existing snapshot: %v (starting fresh)", err)
	}

	gate := scanner.NewCredentialGate()
	if steam.HasCredential() {
		gate.Open()
	}

	supervisor := scanner.NewSupervisor(scanner.OptionsFromConfig(cfg), collector, tr, hub,
		snapshotMgr, store, gate, metricsCollector)
	if err := supervisor.Restore(); err != nil {
		log.Warnf("Failed to restore map change data: %v (starting fresh)", err)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := cfg.API.SecretFromEnv()
	if cfg.API.EnableAuth && secret == "" {
		log.Warnf("API auth enabled but %s is empty, admin commands are open", cfg.API.SecretEnv)
	}

	svc := service.New(ctx, service.Deps{
		Tracker:    tr,
		Saved:      savedStore,
		Supervisor: supervisor,
		Probe:      collector,
		Credential: steam,
		Gate:       gate,
		Snapshots:  snapshotMgr,
		Secret:     secret,
	})

	if cfg.Scanner.AutoStart {
		supervisor.Start(ctx)
	} else {
		log.Info("Scan loop idle until started through the API")
	}

	// Start API server
	apiServer := api.NewServer(cfg, svc, hub, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// let the current cycle finish, then cancel whatever is still blocked
	supervisor.Stop()
	if err := supervisor.Wait(shutdownCtx); err != nil {
		log.Warnf("Scan loop did not stop in time: %v", err)
	}
	cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	snapshotMgr.Close()

	log.Info("Shutdown complete")
}
