// README: Entry point; loads config, wires services, starts HTTP server and the dispatch scheduler.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rideflow/internal/config"
	"rideflow/internal/events"
	httptransport "rideflow/internal/http"
	"rideflow/internal/http/middleware"
	"rideflow/internal/infra"
	"rideflow/internal/logging"
	"rideflow/internal/maps"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/weather"
	"rideflow/internal/notify"
)

var errMissingProject = errors.New("RIDEFLOW_FIREBASE_PROJECT_ID is required unless RIDEFLOW_AUTH_MODE=header")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("postgres init")
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.WithError(err).Fatal("redis init")
	}
	defer redisClient.Close()

	var app *firebase.App
	if cfg.Firebase.ProjectID != "" {
		app, err = infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.WithError(err).Fatal("firebase init")
		}
	}

	auth, err := newAuth(ctx, cfg, app)
	if err != nil {
		log.WithError(err).Fatal("auth init")
	}
	notifier, err := newNotifier(ctx, app, log)
	if err != nil {
		log.WithError(err).Fatal("messaging init")
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer publisher.Close()

	var router ride.Router = maps.StraightLineRouter{}
	var geocoder ride.Geocoder
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		gc, err := maps.NewGeocoder(cfg.Maps.APIKey, "in")
		if err != nil {
			log.WithError(err).Fatal("geocoder init")
		}
		router, geocoder = routes, gc
	} else {
		log.Warn("RIDEFLOW_MAPS_API_KEY not set; using straight-line routing")
	}

	weatherSvc := weather.NewService(cfg.Weather, weather.NewRedisCache(redisClient), log)
	pricingStore := pricing.NewStore(dbPool)
	if err := seedRates(ctx, pricingStore); err != nil {
		log.WithError(err).Fatal("seed fare rates")
	}
	pricingSvc := pricing.NewService(pricingStore, weatherSvc, cfg.Fare, log)

	locationStore := location.NewStore(dbPool)
	directory, err := newDirectory(ctx, cfg, redisClient, locationStore)
	if err != nil {
		log.WithError(err).Fatal("driver directory init")
	}
	locationSvc := location.NewService(locationStore, directory, log)

	rideStore := ride.NewStore(dbPool)
	rideSvc := ride.NewService(ride.Deps{
		Repo:      rideStore,
		Router:    router,
		Geocoder:  geocoder,
		Quoter:    pricingSvc,
		Directory: directory,
		Notifier:  notifier,
		Events:    publisher,
		Log:       log,
	}, cfg.Dispatch, cfg.Fare)

	matchingSvc := matching.NewService(rideStore, directory, notifier, matching.NewRedisQueue(redisClient), publisher, cfg.Dispatch, log)
	rideSvc.SetDispatcher(matchingSvc)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:    rideSvc,
		Location: locationSvc,
		Ledger:   rideSvc,
		Routes:   router,
		Pricing:  pricingSvc,
		Auth:     auth,
		Log:      log,
		Debug:    cfg.Debug,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, handler, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return matchingSvc.RunScheduler(gctx) })
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("shutdown with error")
		os.Exit(1)
	}
	log.Info("bye")
}

func newAuth(ctx context.Context, cfg config.Config, app *firebase.App) (gin.HandlerFunc, error) {
	if cfg.Auth.Mode == "header" {
		return middleware.HeaderAuth(), nil
	}
	if app == nil {
		return nil, errMissingProject
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return nil, err
	}
	return middleware.Auth(verifier), nil
}

func newNotifier(ctx context.Context, app *firebase.App, log logrus.FieldLogger) (notify.Gateway, error) {
	if app == nil {
		log.Warn("firebase not configured; push notifications go to the log")
		return notify.NewLogGateway(log), nil
	}
	client, err := infra.NewMessaging(ctx, app)
	if err != nil {
		return nil, err
	}
	return notify.NewFCMGateway(client, log), nil
}

// newDirectory returns the shared Redis GEO directory, or an in-process geohash
// index warmed from Postgres for single-instance deployments.
func newDirectory(ctx context.Context, cfg config.Config, client *redis.Client, store *location.Store) (location.Directory, error) {
	if cfg.Geo.Backend != "memory" {
		return location.NewRedisDirectory(client), nil
	}
	idx := location.NewGeohashIndex()
	positions, err := store.ActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if err := idx.Upsert(ctx, p); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func seedRates(ctx context.Context, store *pricing.Store) error {
	for _, r := range pricing.DefaultRates {
		if err := store.InsertIfAbsent(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
