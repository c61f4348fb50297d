// Package plxeth implements the gpib.Transport contract over a
// Prologix-style GPIB-Ethernet controller.
//
// The controller exposes a persistent TCP stream on a fixed port. Text
// commands and controller directives (lines starting with "++") share the
// stream; responses are newline-framed. The adapter holds one current bus
// address, switched with the "++addr" directive: the Connection tracks the
// last selected address and emits the directive only when the target
// address changes, keeping bus chatter minimal.
//
// Connection lifecycle:
//   - Disconnected -> Connected on Open, which dials the controller and
//     issues the setup sequence (controller mode, read-after-write off,
//     read timeout, terminator convention).
//   - Connected -> Faulted on a socket error, a protocol violation or a
//     read timeout. A faulted connection never heals silently; call
//     Reconnect explicitly, so a persistent wiring fault is not mistaken
//     for a transient one.
//
// Controllers on the local network segment can be located without a
// hardcoded host through the NetFinder UDP probe (FindControllers,
// FindFirst).
//
// Usage Example:
//
//	cfg, err := plxeth.NewConnectionConfig(host)
//	// ... handle error ...
//	conn, err := plxeth.NewConnection(ctx, cfg)
//	// ... handle error ...
//	if err := conn.Open(ctx); err != nil {
//	    // ... handle error ...
//	}
//	defer conn.Close()
//
//	idn, err := conn.Query(ctx, 11, "*IDN?")
package plxeth
