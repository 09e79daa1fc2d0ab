// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rideflow/internal/http/handlers"
	"rideflow/internal/http/middleware"
	"rideflow/internal/logging"
)

type RouterDeps struct {
	Rides    handlers.RideService
	Location handlers.LocationUpdater
	Ledger   handlers.GSTClearer
	Routes   handlers.Router
	Pricing  handlers.Estimator
	// Auth resolves the caller; middleware.Auth or middleware.HeaderAuth.
	Auth  gin.HandlerFunc
	Log   logrus.FieldLogger
	Debug bool
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := logging.OrDiscard(d.Log)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(log), middleware.Logging(log), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	opts := handlers.Options{Debug: d.Debug, Log: log}
	rides := handlers.NewRideHandler(d.Rides, opts)
	drivers := handlers.NewDriverHandler(d.Location, d.Ledger, opts)
	fares := handlers.NewFareHandler(d.Routes, d.Pricing, opts)

	api := r.Group("/api", d.Auth)
	api.POST("/fares/estimate", fares.Estimate)

	api.POST("/rides", rides.Create)
	api.GET("/rides/:id", rides.Get)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.POST("/rides/:id/arrive", rides.Arrive)
	api.POST("/rides/:id/start", rides.Start)
	api.POST("/rides/:id/end", rides.End)
	api.POST("/requests/:id/accept", rides.Accept)

	api.PUT("/drivers/me/location", drivers.UpdateLocation)
	api.POST("/drivers/:id/gst/clear", drivers.ClearGST)

	return r
}
