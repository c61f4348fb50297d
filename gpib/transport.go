package gpib

import "context"

// BinaryMode selects the binary transfer mode for WriteBinary and SaveFile.
//
// The meaning of each mode is adapter- and instrument-specific; consult the
// instrument's documented behavior rather than assuming a universal meaning.
// It maps onto the boolean mode flag of the controller's call surface.
type BinaryMode bool

const (
	// BinaryModeDirect selects the adapter's direct (buffer) transfer mode.
	BinaryModeDirect BinaryMode = false
	// BinaryModeFile selects the adapter's file transfer mode.
	BinaryModeFile BinaryMode = true
)

// Transport is the uniform, transport-agnostic contract implemented by each
// GPIB controller adapter. Instrument drivers program against this
// interface so they work unchanged over the USB controller (ug01) and the
// Ethernet controller (plxeth).
//
// All operations are blocking and serialized internally: the physical GPIB
// bus is a single exclusive resource, so at most one transaction is in
// flight per transport at any time. Concurrent callers are safe but their
// transactions execute in strict submission order.
//
// Error semantics are uniform across implementations:
//   - A *StatusError carries a negative adapter status; the transaction is
//     aborted, the transport stays usable, and nothing is retried.
//   - ErrTimeout reports that no response arrived in time; network
//     transports additionally enter the faulted state.
//   - ErrConnFaulted reports that the connection requires an explicit
//     reconnect before further transactions.
//
// Discovery is the one exception to "errors surface unmodified": an empty
// bus is a valid empty result, never an error.
type Transport interface {
	// Write sends a text command to the device at addr.
	Write(ctx context.Context, addr Addr, cmd string) error

	// WriteBinary sends raw bytes to the device at addr in the given
	// transfer mode. The payload length is always explicit; data may
	// contain any byte value including NUL.
	WriteBinary(ctx context.Context, addr Addr, mode BinaryMode, data []byte) error

	// ReadText reads a text response from the device at addr. An empty
	// response is valid and is distinguished from a failure by a nil error.
	ReadText(ctx context.Context, addr Addr) (string, error)

	// ReadBinary reads a binary response from the device at addr. The
	// returned slice holds exactly the bytes the device emitted; embedded
	// zero bytes never truncate the result.
	ReadBinary(ctx context.Context, addr Addr) ([]byte, error)

	// Query sends cmd to the device at addr and reads the text response as
	// one transaction, so no other caller can interleave between the write
	// and the read.
	Query(ctx context.Context, addr Addr, cmd string) (string, error)

	// Discover scans the bus and returns every address that answered.
	// An empty bus yields an empty slice and a nil error.
	Discover(ctx context.Context) ([]Addr, error)

	// SaveFile requests the device at addr stream a file or blob and
	// persists it to local storage under filename, using the length-aware
	// binary read path.
	SaveFile(ctx context.Context, addr Addr, mode BinaryMode, filename string) error

	// Close releases the transport and any underlying connection.
	Close() error
}
