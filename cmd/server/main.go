package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karelvirta/timeline-backend-go/internal/api"
	"github.com/karelvirta/timeline-backend-go/internal/config"
	"github.com/karelvirta/timeline-backend-go/internal/database"
	"github.com/karelvirta/timeline-backend-go/internal/detection"
	"github.com/karelvirta/timeline-backend-go/internal/handler"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/queue"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/service"
)

func main() {
	cfg := config.Load()

	db, err := database.Open(database.Config{Path: cfg.DBPath})
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	m := metrics.New()

	var broker notify.Broker
	if cfg.NotifyRedisURL != "" {
		redisBroker, err := notify.NewRedisBroker(cfg.NotifyRedisURL)
		if err != nil {
			log.Fatal("Failed to connect notification broker:", err)
		}
		broker = redisBroker
	} else {
		broker = notify.NewMemoryBroker()
	}
	defer broker.Close()

	// Repositories
	users := repository.NewUserRepository(db)
	rawPoints := repository.NewRawPointRepository(db)
	visits := repository.NewVisitRepository(db)
	processedVisits := repository.NewProcessedVisitRepository(db)
	places := repository.NewPlaceRepository(db)
	trips := repository.NewTripRepository(db)
	params := repository.NewDetectionParameterRepository(db)
	state := repository.NewProcessingStateRepository(db)
	geocodes := repository.NewGeocodeRepository(db)
	previews := repository.NewPreviewRepository(db)

	for _, username := range cfg.Users {
		if err := users.EnsureExists(username); err != nil {
			log.Fatal("Failed to seed user:", err)
		}
	}

	// Pipeline plumbing
	q := queue.New(db, cfg.Pipeline.MaxAttempts)
	debouncer := queue.NewDebouncer(q, cfg.Pipeline.IngestIdleTrigger)
	defer debouncer.Stop()

	// Services
	ingestService := service.NewIngestService(users, rawPoints, q, debouncer, detection.NewAnomalyFilter(), broker, m)
	triggerService := service.NewTriggerService(users, rawPoints, state, q, cfg.Pipeline.BatchSize)
	visitService := service.NewVisitService(users, rawPoints, visits, params, q, m)
	mergeService := service.NewMergeService(users, visits, processedVisits, places, params, q, broker, m)
	tripService := service.NewTripService(users, processedVisits, places, trips, rawPoints, detection.NewSpeedThresholdClassifier(), broker, m)
	parameterService := service.NewParameterService(users, params, rawPoints, visits, processedVisits, trips, q)
	previewService := service.NewPreviewService(users, rawPoints, visits, trips, params, processedVisits, places, previews, state, q, cfg.Pipeline.PreviewTTL)
	geocodingService := service.NewGeocodingService(places, geocodes, q, cfg.Geocoding, m)
	timelineService := service.NewTimelineService(users, processedVisits, trips, places)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Queue workers. The merge stage stays single-threaded so windows are
	// consolidated one at a time.
	dispatcher := queue.NewDispatcher(q, m)
	dispatcher.Register(models.QueueIngest, cfg.Pipeline.IngestWorkers, func(ctx context.Context, e models.PipelineEvent) error {
		return ingestService.HandleLocationData(ctx, e.(models.LocationDataReceived))
	})
	dispatcher.Register(models.QueueTrigger, 1, func(ctx context.Context, e models.PipelineEvent) error {
		return triggerService.HandleTrigger(ctx, e.(models.TriggerProcessing))
	})
	dispatcher.Register(models.QueueDetectStay, cfg.Pipeline.DetectWorkers, func(ctx context.Context, e models.PipelineEvent) error {
		return visitService.HandleDetectStay(ctx, e.(models.DetectStay))
	})
	dispatcher.Register(models.QueueMergeVisit, 1, func(ctx context.Context, e models.PipelineEvent) error {
		return mergeService.HandleMergeVisits(ctx, e.(models.MergeVisits))
	})
	dispatcher.Register(models.QueueDetectTrip, cfg.Pipeline.TripWorkers, func(ctx context.Context, e models.PipelineEvent) error {
		return tripService.HandleDetectTrips(ctx, e.(models.DetectTrips))
	})
	dispatcher.Register(models.QueueGeocode, cfg.Geocoding.Workers, func(ctx context.Context, e models.PipelineEvent) error {
		return geocodingService.HandlePlaceCreated(ctx, e.(models.PlaceCreated))
	})
	dispatcher.Start(ctx)

	go previewService.RunCleanup(ctx, time.Hour)
	go geocodingService.RunRetry(ctx, 15*time.Minute)

	router := api.SetupRouter(cfg, api.Handlers{
		Ingest:       handler.NewIngestHandler(ingestService),
		Timeline:     handler.NewTimelineHandler(timelineService),
		Parameter:    handler.NewParameterHandler(users, parameterService),
		Preview:      handler.NewPreviewHandler(previewService),
		Geocoding:    handler.NewGeocodingHandler(geocodingService),
		Notification: handler.NewNotificationHandler(users, broker),
	}, m)

	srv := &http.Server{Addr: cfg.Port, Handler: router}
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	dispatcher.Wait()
}
