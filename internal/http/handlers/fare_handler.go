// README: Fare estimate handler; quotes every vehicle class for a trip.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/maps"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

type Router interface {
	Route(ctx context.Context, from, to types.Point) (maps.Route, error)
}

type Estimator interface {
	Estimates(ctx context.Context, req pricing.QuoteRequest) (map[types.VehicleClass]pricing.Quote, error)
}

type FareHandler struct {
	base
	router  Router
	pricing Estimator
}

func NewFareHandler(router Router, est Estimator, opts Options) *FareHandler {
	return &FareHandler{base: newBase(opts), router: router, pricing: est}
}

type estimateReq struct {
	Pickup               types.Point `json:"pickup"`
	Drop                 types.Point `json:"drop"`
	PickupDistanceMeters float64     `json:"pickupDistanceMeters"`
}

func (h *FareHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if !h.bind(c, &req, false) {
		return
	}
	route, err := h.router.Route(c.Request.Context(), req.Pickup, req.Drop)
	if err != nil {
		h.writeError(c, err)
		return
	}
	quotes, err := h.pricing.Estimates(c.Request.Context(), pricing.QuoteRequest{
		DistanceMeters:       route.DistanceMeters,
		DurationMinutes:      route.DurationSeconds / 60,
		Pickup:               req.Pickup,
		PickupDistanceMeters: req.PickupDistanceMeters,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"distanceMeters":  route.DistanceMeters,
		"durationSeconds": route.DurationSeconds,
		"estimates":       quotes,
	})
}
