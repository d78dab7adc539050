package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/api/handlers"
	"privacycam-go/internal/core/matcher"
	"privacycam-go/internal/core/pipeline"
	"privacycam-go/internal/core/store"
	"privacycam-go/internal/database"
	"privacycam-go/internal/integrations/faceapi"
	"privacycam-go/internal/integrations/facedetect"
	"privacycam-go/internal/integrations/mqtt"
	"privacycam-go/internal/integrations/opencv"
	"privacycam-go/internal/logger"
	"privacycam-go/internal/server"
	"privacycam-go/internal/server/sse"
	"privacycam-go/internal/services/captures"
	"privacycam-go/internal/services/cleanup"
	"privacycam-go/internal/settings"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	log.Info("Initializing database...")
	if err := database.Init(cfg.DB); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	descriptorStore, err := store.New(database.DB, cfg.Matcher.EmbeddingSize, cfg.Detector.ModelVersion)
	if err != nil {
		log.Fatalf("Failed to load descriptor store: %v", err)
	}
	log.Infof("Descriptor store ready with %d enrolled entries", len(descriptorStore.Snapshot().Entries))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detection providers: the external embedder is mandatory, the local
	// cascade is an optional prefilter.
	providerManager := facedetect.NewManager()

	detector := faceapi.NewService(cfg.Detector)
	providerManager.Register(detector)
	providerManager.SetActive(facedetect.ProviderFaceAPI)

	var prefilter facedetect.Provider
	if cfg.OpenCV.Enabled {
		cascade, err := opencv.NewFaceDetector(&cfg.OpenCV)
		if err != nil {
			log.Warnf("Local face prefilter unavailable: %v. Continuing without it.", err)
		} else {
			defer cascade.Close()
			providerManager.Register(cascade)
			prefilter = cascade
		}
	}

	settingsService := settings.NewService(cfg.Settings)
	settingsService.Start(ctx)

	captureService := captures.NewService(database.DB)

	cleanupService := cleanup.NewService(cfg.Cleanup, captureService, settingsService)
	cleanupService.Start(ctx)

	hub := sse.NewHub()
	go hub.Run()

	faceMatcher := matcher.New(cfg.Matcher)
	var remote *matcher.RemoteVerifier
	if cfg.Matcher.Backend == "remote" {
		remote = matcher.NewRemoteVerifier(cfg.Matcher)
		log.Info("Using remote verification backend for face matching")
	}

	session := pipeline.NewSession(cfg, detector, prefilter, descriptorStore, faceMatcher, remote, settingsService, captureService, hub)
	defer session.Close()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT, session)
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT capture source: %v. Continuing without it.", err)
		} else {
			defer mqttClient.Stop()
		}
	}

	apiHandler := handlers.NewAPIHandler(cfg, descriptorStore, session, settingsService, captureService, providerManager, hub)
	srv := server.New(cfg, apiHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigCh:
		log.Infof("Received signal %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Graceful shutdown failed: %v", err)
	}
	log.Info("Server stopped")
}
