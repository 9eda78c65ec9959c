// README: Entry point; loads config, wires services, starts HTTP server and the match scheduler.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waypool/internal/config"
	httptransport "waypool/internal/http"
	"waypool/internal/http/handlers"
	"waypool/internal/infra"
	"waypool/internal/logging"
	"waypool/internal/maps"
	"waypool/internal/modules/driver"
	"waypool/internal/modules/fare"
	"waypool/internal/modules/match"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/request"
	"waypool/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("POOL_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	verifier, err := fb.Verifier(ctx)
	if err != nil {
		log.Fatalf("firebase auth: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	requestStore := request.NewStore(dbPool, redisClient)
	driverStore := driver.NewStore(dbPool, redisClient)
	poolStore := pool.NewPGStore(dbPool)

	engine := fare.NewEngine(cfg.Fare)
	poolSvc := pool.NewService(poolStore, engine, cfg.Match.AvgSpeedKmh, logger)

	var geocoder handlers.Geocoder
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		poolSvc.WithRouteEstimator(routes)
		gc, err := maps.NewGeocodeService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		geocoder = gc
	}

	if cfg.Firebase.DatabaseURL != "" {
		rtdb, err := fb.Database(ctx)
		if err != nil {
			log.Fatalf("firebase rtdb: %v", err)
		}
		poolSvc.WithPublisher(notify.NewSnapshotPublisher(rtdb))
	}

	matchSvc := match.NewService(requestStore, engine, match.PolicyFromConfig(cfg.Match), logger)

	scheduler := match.NewScheduler(matchSvc, poolSvc, driverStore,
		time.Duration(cfg.Match.TickSeconds)*time.Second, logger)
	if fcm, err := fb.Messaging(ctx); err != nil {
		logger.Warn("fcm unavailable, candidate pushes disabled", "error", err)
	} else {
		scheduler.WithNotifier(notify.NewCandidateNotifier(fcm, driverStore, logger))
	}

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Pools:    poolSvc,
		Matches:  matchSvc,
		Requests: requestStore,
		Drivers:  driverStore,
		Verifier: verifier,
		Geocoder: geocoder,
		Log:      logger,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go scheduler.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
