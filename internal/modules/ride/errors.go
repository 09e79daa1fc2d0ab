package ride

import "rideflow/internal/apperr"

var (
	ErrRideNotFound    = apperr.New(apperr.ErrNotFound, "ride_not_found", "ride not found")
	ErrRequestNotFound = apperr.New(apperr.ErrNotFound, "request_not_found", "ride request not found")
	ErrDriverNotFound  = apperr.New(apperr.ErrNotFound, "driver_not_found", "driver not found")

	ErrInvalidState     = apperr.New(apperr.ErrStateConflict, "invalid_state", "ride is not in a state that allows this operation")
	ErrAlreadyAssigned  = apperr.New(apperr.ErrStateConflict, "already_assigned", "ride has already been assigned to another driver")
	ErrConcurrentUpdate = apperr.New(apperr.ErrStateConflict, "concurrent_update", "ride was modified concurrently, retry")
	ErrOTPMismatch      = apperr.New(apperr.ErrStateConflict, "otp_mismatch", "start code does not match")
	ErrNotAtPickup      = apperr.New(apperr.ErrStateConflict, "not_at_pickup", "driver is not at the pickup point")

	ErrNotRideDriver    = apperr.New(apperr.ErrAuthorization, "not_ride_driver", "driver is not assigned to this ride")
	ErrNotRideRider     = apperr.New(apperr.ErrAuthorization, "not_ride_rider", "ride belongs to another rider")
	ErrDriverNotAllowed = apperr.New(apperr.ErrAuthorization, "driver_not_allowed", "driver cannot accept rides")

	ErrMissingRider       = apperr.Validation("missing_rider", "rider id is required")
	ErrInvalidLocation    = apperr.Validation("invalid_location", "pickup and drop must be valid coordinates or addresses")
	ErrUnknownClass       = apperr.Validation("unknown_vehicle_class", "unknown vehicle class")
	ErrInvalidPaymentMode = apperr.Validation("invalid_payment_mode", "payment mode must be cash or qr")
)
