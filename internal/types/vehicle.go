package types

type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
)

// VehicleClasses lists every class in display order.
var VehicleClasses = []VehicleClass{VehicleBike, VehicleAuto, VehicleCar}

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar:
		return true
	}
	return false
}
