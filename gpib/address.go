package gpib

import "strconv"

// Addr represents a GPIB bus address identifying one device on one bus.
//
// Valid primary addresses are in the range [1, 30]. Address 0 is
// conventionally the controller itself and 31 is the unlisten/untalk
// address; neither addresses a device.
type Addr int

// GPIB primary address range for devices on the bus.
const (
	MinAddr Addr = 1
	MaxAddr Addr = 30
)

// Valid reports whether the address is a valid GPIB device address.
func (a Addr) Valid() bool {
	return a >= MinAddr && a <= MaxAddr
}

// String returns the decimal representation of the address.
func (a Addr) String() string {
	return strconv.Itoa(int(a))
}
