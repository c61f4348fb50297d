package gpib

import (
	"context"
	"strings"
)

// Device binds a Transport to a fixed bus address. It is the building block
// for per-model instrument drivers: embed a *Device and add the model's
// command vocabulary on top.
type Device struct {
	transport Transport
	addr      Addr
}

// NewDevice creates a Device bound to addr on the given transport.
// Returns ErrInvalidAddress if addr is outside [1, 30].
func NewDevice(transport Transport, addr Addr) (*Device, error) {
	if !addr.Valid() {
		return nil, ErrInvalidAddress
	}

	return &Device{transport: transport, addr: addr}, nil
}

// Addr returns the bus address the device is bound to.
func (d *Device) Addr() Addr {
	return d.addr
}

// Transport returns the underlying transport.
func (d *Device) Transport() Transport {
	return d.transport
}

// Write sends a text command to the device.
func (d *Device) Write(ctx context.Context, cmd string) error {
	return d.transport.Write(ctx, d.addr, cmd)
}

// Read reads a text response from the device.
func (d *Device) Read(ctx context.Context) (string, error) {
	return d.transport.ReadText(ctx, d.addr)
}

// ReadBinary reads a binary response from the device.
func (d *Device) ReadBinary(ctx context.Context) ([]byte, error) {
	return d.transport.ReadBinary(ctx, d.addr)
}

// Query sends cmd and reads the text response as one transaction.
func (d *Device) Query(ctx context.Context, cmd string) (string, error) {
	return d.transport.Query(ctx, d.addr, cmd)
}

// IDN queries the device identification string with the IEEE-488.2 common
// command *IDN?.
func (d *Device) IDN(ctx context.Context) (string, error) {
	resp, err := d.transport.Query(ctx, d.addr, "*IDN?")
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\r\n"), nil
}

// Reset resets the device with the IEEE-488.2 common command *RST.
func (d *Device) Reset(ctx context.Context) error {
	return d.transport.Write(ctx, d.addr, "*RST")
}

// SaveFile requests the device stream a file or blob and persists it under
// filename.
func (d *Device) SaveFile(ctx context.Context, mode BinaryMode, filename string) error {
	return d.transport.SaveFile(ctx, d.addr, mode, filename)
}
