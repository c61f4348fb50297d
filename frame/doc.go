// Package frame implements the wire framing shared by the GPIB controller
// adapters: command termination, binary payload escaping for controllers
// that parse the data stream for directives, and response line decoding.
//
// All functions are pure and side-effect free so the framing rules are
// testable without a live controller.
package frame
