package ug01

// VendorAPI models the logical operations of the UG01 vendor call library.
//
// The vendor surface is not goroutine safe and keeps process-wide state:
// ReadBinaryLength reflects only the most recent ReadBinary call. The
// Transport serializes every access, so implementations never see
// concurrent calls.
//
// Status-returning operations report success with a non-negative value and
// failure with a negative vendor status code.
//
// Read-returning operations have no status channel: a nil slice reports a
// failed read, while an empty non-nil slice is a valid empty response.
type VendorAPI interface {
	// Write sends a SCPI text command to the device at addr.
	Write(addr int, scpi string) int

	// WriteBinary sends raw bytes to the device at addr. The mode flag
	// selects the vendor's transfer mode; its meaning is device-specific.
	// The payload length is taken from len(data), never from a terminator.
	WriteBinary(addr int, mode bool, data []byte) int

	// Read reads a text response from the device at addr.
	Read(addr int) []byte

	// ReadBinary reads a binary response from the device at addr. The
	// returned buffer may be over-allocated or padded; the exact byte
	// count must be fetched with ReadBinaryLength immediately after.
	ReadBinary(addr int) []byte

	// ReadBinaryLength returns the byte length of the most recent
	// ReadBinary call. It is not reentrant across interleaved reads.
	ReadBinaryLength() int

	// Query sends a SCPI command to the device at addr and reads the text
	// response in a single vendor call.
	Query(addr int, scpi string) []byte

	// Find scans the bus and returns the address of every device that
	// answered. The cgo binding translates the vendor's sentinel-terminated
	// address array into a plain slice.
	Find() []int

	// FileSave requests the device at addr stream a file and persists it
	// under filename in the vendor's length-aware binary read path.
	FileSave(addr int, mode bool, filename string) int
}
