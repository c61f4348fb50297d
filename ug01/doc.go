// Package ug01 implements the gpib.Transport contract over a UG01-class
// USB to GPIB controller, driven through the vendor-supplied call library.
//
// The vendor library is a fixed, stateful, process-wide call surface: it
// keeps the byte length of the most recent binary read in global state,
// retrievable only through a separate length call. The transport wraps the
// whole surface behind a single mutex so a binary read and its length query
// always execute as one critical section and can never interleave with
// another transaction.
//
// The call surface itself is abstracted as the VendorAPI interface. A cgo
// binding against the vendor library satisfies it on supported platforms;
// tests use an in-memory simulator.
//
// Usage Example:
//
//	tp := ug01.NewTransport(vendorBinding)
//	defer tp.Close()
//
//	idn, err := tp.Query(ctx, 11, "*IDN?")
//	// ... handle error ...
package ug01
