package ug01

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/internal/util"
	"github.com/arloliu/go-gpib/logger"
)

var (
	// ErrReadFailed indicates that the vendor library reported a failed
	// read. The vendor read surface has no status code; failure is signaled
	// by a nil buffer.
	ErrReadFailed = errors.New("adapter read failed")

	// ErrVendorAPINil indicates that a nil VendorAPI was provided.
	ErrVendorAPINil = errors.New("vendor API is nil")
)

// Transport drives a UG01-class USB controller through the vendor call
// library, implementing the gpib.Transport contract.
//
// All transactions are serialized by a single mutex: the physical bus is
// exclusive, and the vendor library's last-binary-length state must never
// interleave with another transaction.
//
// The vendor library has no native cancel primitive, so context
// cancellation is honored between transactions only: a canceled context
// fails the call before it reaches the vendor library, never mid-call.
type Transport struct {
	mu     sync.Mutex
	api    VendorAPI
	logger logger.Logger
}

var _ gpib.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger for the transport.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a Transport over the given vendor call surface.
func NewTransport(api VendorAPI, opts ...Option) *Transport {
	t := &Transport{
		api:    api,
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Write sends a text command to the device at addr.
func (t *Transport) Write(ctx context.Context, addr gpib.Addr, cmd string) error {
	if err := t.begin(ctx, addr); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("write", "addr", addr, "cmd", cmd)

	if status := t.api.Write(int(addr), cmd); status < 0 {
		return &gpib.StatusError{Code: status, Op: "write"}
	}

	return nil
}

// WriteBinary sends raw bytes to the device at addr in the given transfer
// mode. The payload length is always explicit; embedded zero bytes are
// transmitted verbatim.
func (t *Transport) WriteBinary(ctx context.Context, addr gpib.Addr, mode gpib.BinaryMode, data []byte) error {
	if err := t.begin(ctx, addr); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("write binary", "addr", addr, "mode", bool(mode), "len", len(data))

	if status := t.api.WriteBinary(int(addr), bool(mode), data); status < 0 {
		return &gpib.StatusError{Code: status, Op: "write-binary"}
	}

	return nil
}

// ReadText reads a text response from the device at addr. An empty response
// is valid; only a nil vendor buffer reports a failure.
func (t *Transport) ReadText(ctx context.Context, addr gpib.Addr) (string, error) {
	if err := t.begin(ctx, addr); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	buf := t.api.Read(int(addr))
	if buf == nil {
		return "", ErrReadFailed
	}

	return string(buf), nil
}

// ReadBinary reads a binary response from the device at addr.
//
// The vendor buffer may be over-allocated or NUL-padded, so the exact byte
// count is fetched with the vendor's length call inside the same critical
// section and the result is sliced to exactly that many bytes. Trusting a
// sentinel terminator would truncate binary data at the first embedded zero.
func (t *Transport) ReadBinary(ctx context.Context, addr gpib.Addr) ([]byte, error) {
	if err := t.begin(ctx, addr); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.readBinaryLocked(addr)
}

// Query sends cmd to the device at addr and reads the text response as a
// single vendor call, so another bus user can never interleave between the
// write and the read.
func (t *Transport) Query(ctx context.Context, addr gpib.Addr, cmd string) (string, error) {
	if err := t.begin(ctx, addr); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("query", "addr", addr, "cmd", cmd)

	buf := t.api.Query(int(addr), cmd)
	if buf == nil {
		return "", ErrReadFailed
	}

	return string(buf), nil
}

// Discover scans the bus and returns every address that answered. An empty
// bus yields an empty slice, not an error.
func (t *Transport) Discover(ctx context.Context) ([]gpib.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	found := t.api.Find()

	addrs := make([]gpib.Addr, 0, len(found))
	for _, a := range found {
		addr := gpib.Addr(a)
		if addr.Valid() {
			addrs = append(addrs, addr)
		}
	}

	t.logger.Debug("bus scan finished", "found", len(addrs))

	return addrs, nil
}

// SaveFile requests the device at addr stream a file and persists it under
// filename via the vendor's length-aware binary read path.
func (t *Transport) SaveFile(ctx context.Context, addr gpib.Addr, mode gpib.BinaryMode, filename string) error {
	if err := t.begin(ctx, addr); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("save file", "addr", addr, "mode", bool(mode), "filename", filename)

	if status := t.api.FileSave(int(addr), bool(mode), filename); status < 0 {
		return &gpib.StatusError{Code: status, Op: "save-file"}
	}

	return nil
}

// Close releases the transport. The vendor library holds no per-transport
// resources, so Close only blocks until any in-flight transaction finishes.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock() //nolint:staticcheck // lock-unlock barrier for in-flight transactions

	return nil
}

// readBinaryLocked performs the two-step binary read under the held
// transaction mutex.
func (t *Transport) readBinaryLocked(addr gpib.Addr) ([]byte, error) {
	buf := t.api.ReadBinary(int(addr))
	if buf == nil {
		return nil, ErrReadFailed
	}

	// The length call reflects only the most recent binary read, which is
	// why both calls live inside one critical section.
	n := t.api.ReadBinaryLength()
	if n < 0 {
		return nil, &gpib.StatusError{Code: n, Op: "read-binary-length"}
	}

	if n == 0 {
		return []byte{}, nil
	}

	if n > len(buf) {
		return nil, fmt.Errorf("adapter reported binary length %d exceeding buffer size %d", n, len(buf))
	}

	return util.CloneSlice(buf[:n], 0), nil
}

// begin validates the address and the context before a transaction starts.
func (t *Transport) begin(ctx context.Context, addr gpib.Addr) error {
	if !addr.Valid() {
		return gpib.ErrInvalidAddress
	}

	return ctx.Err()
}
