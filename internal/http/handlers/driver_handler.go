// README: Driver handlers for position reports and GST settlement.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type LocationUpdater interface {
	UpdateDriver(ctx context.Context, u location.DriverUpdate) (location.DriverPosition, error)
}

type GSTClearer interface {
	ClearGST(ctx context.Context, driverID types.ID) (*ride.Driver, error)
}

type DriverHandler struct {
	base
	location LocationUpdater
	ledger   GSTClearer
}

func NewDriverHandler(loc LocationUpdater, ledger GSTClearer, opts Options) *DriverHandler {
	return &DriverHandler{base: newBase(opts), location: loc, ledger: ledger}
}

type updateLocationReq struct {
	Lat          float64              `json:"lat"`
	Lng          float64              `json:"lng"`
	Status       string               `json:"status"`
	VehicleClass string               `json:"vehicleClass"`
	FCMToken     string               `json:"fcmToken"`
	Preferences  location.Preferences `json:"preferences"`
}

// UpdateLocation only ever touches the caller's own record.
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleDriver) {
		return
	}
	var req updateLocationReq
	if !h.bind(c, &req, false) {
		return
	}
	pos, err := h.location.UpdateDriver(c.Request.Context(), location.DriverUpdate{
		DriverID:     types.ID(middleware.CallerUID(c)),
		Location:     types.Point{Lat: req.Lat, Lng: req.Lng},
		Status:       location.DriverStatus(req.Status),
		VehicleClass: types.VehicleClass(req.VehicleClass),
		FCMToken:     req.FCMToken,
		Preferences:  req.Preferences,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driverId":     pos.DriverID,
		"location":     pos.Location,
		"status":       pos.Status,
		"vehicleClass": pos.VehicleClass,
		"isActive":     pos.IsActive,
	})
}

func (h *DriverHandler) ClearGST(c *gin.Context) {
	if !h.requireRole(c, middleware.RoleAdmin) {
		return
	}
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.ledger.ClearGST(c.Request.Context(), types.ID(id))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driverId":       d.ID,
		"wallet":         d.Wallet,
		"gstPending":     d.GSTPending,
		"gstPaidViaQr":   d.GSTPaidViaQR,
		"canAcceptRides": d.CanAcceptRides,
	})
}
