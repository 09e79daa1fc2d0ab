// README: Ride handlers for the rider and driver sides of the lifecycle.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

// RideService is the part of ride.Service the HTTP layer drives.
type RideService interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (ride.CreateResult, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*ride.Ride, error)
	Arrive(ctx context.Context, cmd ride.ArriveCommand) (*ride.Ride, error)
	Start(ctx context.Context, cmd ride.StartCommand) (*ride.Ride, error)
	End(ctx context.Context, cmd ride.EndCommand) (*ride.Ride, error)
	Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error)
}

type RideHandler struct {
	base
	rides RideService
}

func NewRideHandler(svc RideService, opts Options) *RideHandler {
	return &RideHandler{base: newBase(opts), rides: svc}
}

type createRideReq struct {
	Pickup               types.Point `json:"pickup"`
	Drop                 types.Point `json:"drop"`
	PickupAddress        string      `json:"pickupAddress"`
	DropAddress          string      `json:"dropAddress"`
	PickupName           string      `json:"pickupName"`
	DropName             string      `json:"dropName"`
	VehicleClass         string      `json:"vehicleClass"`
	PickupDistanceMeters float64     `json:"pickupDistanceMeters"`
	FCMToken             string      `json:"fcmToken"`
}

func (h *RideHandler) Create(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleRider) {
		return
	}
	var req createRideReq
	if !h.bind(c, &req, false) {
		return
	}
	res, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RiderID:              types.ID(middleware.CallerUID(c)),
		RiderToken:           req.FCMToken,
		Pickup:               req.Pickup,
		Drop:                 req.Drop,
		PickupAddress:        req.PickupAddress,
		DropAddress:          req.DropAddress,
		PickupName:           req.PickupName,
		DropName:             req.DropName,
		VehicleClass:         types.VehicleClass(req.VehicleClass),
		PickupDistanceMeters: req.PickupDistanceMeters,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, res)
}

// Get is open to the ride's rider, its assigned driver and admins. Anyone else
// sees the same not-found answer as for a missing ride.
func (h *RideHandler) Get(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		h.writeError(c, err)
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleAdmin:
	case middleware.RoleRider:
		ok = r.RiderID == uid
	case middleware.RoleDriver:
		ok = r.DriverID != nil && *r.DriverID == uid
	default:
		ok = false
	}
	if !ok {
		h.writeError(c, ride.ErrRideNotFound)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type cancelRideReq struct {
	Reason string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleRider) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req cancelRideReq
	if !h.bind(c, &req, true) {
		return
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  types.ID(id),
		RiderID: types.ID(middleware.CallerUID(c)),
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Accept(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleDriver) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Accept(c.Request.Context(), ride.AcceptCommand{
		RequestID: types.ID(id),
		DriverID:  types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Arrive(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleDriver) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var loc types.Point
	if !h.bind(c, &loc, false) {
		return
	}
	r, err := h.rides.Arrive(c.Request.Context(), ride.ArriveCommand{
		RideID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
		Location: loc,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type startRideReq struct {
	OTP string `json:"otp"`
}

func (h *RideHandler) Start(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleDriver) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req startRideReq
	if !h.bind(c, &req, false) {
		return
	}
	r, err := h.rides.Start(c.Request.Context(), ride.StartCommand{
		RideID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
		OTP:      req.OTP,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type endRideReq struct {
	PaymentMode string `json:"paymentMode"`
}

func (h *RideHandler) End(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleDriver) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req endRideReq
	if !h.bind(c, &req, false) {
		return
	}
	r, err := h.rides.End(c.Request.Context(), ride.EndCommand{
		RideID:      types.ID(id),
		DriverID:    types.ID(middleware.CallerUID(c)),
		PaymentMode: ride.PaymentMode(req.PaymentMode),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
