// Package gpib defines the core contracts shared by all GPIB (IEEE-488)
// controller adapters in go-gpib.
//
// It provides the Transport interface that instrument drivers program
// against, the bus address type with its validity rules, the error taxonomy
// for transaction and connection failures, and a connection state manager
// for adapters that maintain a persistent link to the controller.
//
// Key Concepts:
//   - Transport: a uniform, transport-agnostic surface {Write, WriteBinary,
//     ReadText, ReadBinary, Query, Discover, SaveFile} implemented by each
//     controller adapter (ug01 for the USB controller, plxeth for the
//     Ethernet controller).
//   - Addr: a GPIB bus address in the range [1, 30] identifying one device
//     on one bus.
//   - Device: a convenience binding of a Transport to a fixed Addr, the
//     building block for per-model instrument drivers.
//
// The physical GPIB bus is a single exclusive resource. Transports
// serialize transactions internally; a query (write followed by read) is
// issued as one transaction so a second caller can never interleave between
// the write and the read.
package gpib
