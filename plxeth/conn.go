package plxeth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-gpib/frame"
	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/internal/util"
	"github.com/arloliu/go-gpib/logger"
)

// Controller directives understood by the GPIB-Ethernet adapter.
const (
	cmdSelectAddr  = "++addr"
	cmdReadEOI     = "++read eoi"
	cmdSerialPoll  = "++spoll"
	cmdModeCtrl    = "++mode 1"
	cmdAutoOff     = "++auto 0"
	cmdReadTimeout = "++read_tmo_ms"
	cmdEOSNone     = "++eos 3"
)

// Connection represents a connection to a GPIB-Ethernet controller,
// implementing the gpib.Transport interface.
//
// A single mutex serializes all transactions: the bus is exclusive, and an
// interleaved write/read pair from two callers would corrupt both. The
// connection tracks the last selected bus address and emits the
// address-select directive only when the target address changes.
type Connection struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ConnectionConfig
	logger    logger.Logger

	mu       sync.Mutex // transaction mutex
	conn     net.Conn
	reader   *bufio.Reader
	lastAddr gpib.Addr // 0 while no address has been selected on this link

	stateMgr *gpib.ConnStateMgr

	metrics ConnectionMetrics
}

// ensure Connection implements the gpib.Transport interface.
var _ gpib.Transport = (*Connection)(nil)

// NewConnection creates a new controller Connection with the given context
// and configuration. The connection starts in the disconnected state; call
// Open to establish the link.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, gpib.ErrConfigNil
	}

	conn := &Connection{
		cfg:    cfg,
		logger: cfg.logger.With("host", cfg.host, "port", cfg.port),
	}

	conn.ctx, conn.ctxCancel = context.WithCancel(ctx)
	conn.stateMgr = gpib.NewConnStateMgr(conn.ctx, conn.logger)

	return conn, nil
}

// Open establishes the TCP connection to the controller and issues the
// setup sequence. It is a no-op when the connection is already established.
//
// A faulted connection cannot be reopened with Open: the fault stays
// visible until the caller acknowledges it with Reconnect.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateMgr.IsConnected() {
		return nil
	}

	if c.stateMgr.IsFaulted() {
		return gpib.ErrConnFaulted
	}

	return c.connectLocked(ctx)
}

// Reconnect re-establishes the link after a fault or an explicit close.
// A faulted connection never reconnects on its own; requiring this call
// keeps a persistent wiring fault visible instead of masking it as a
// transient one.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	c.metrics.incReconnectGauge()

	return nil
}

// State returns the current connection state.
func (c *Connection) State() gpib.ConnState {
	return c.stateMgr.State()
}

// AddConnStateChangeHandler adds one or more handlers invoked when the
// connection state changes.
//
// The handlers are invoked in blocking mode on the transitioning goroutine;
// take care with long-running implementations.
func (c *Connection) AddConnStateChangeHandler(handlers ...gpib.ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// Metrics returns the connection metrics.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// Close closes the connection to the controller.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctxCancel()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	c.stateMgr.ToDisconnected()

	return nil
}

// Write sends a text command to the device at addr.
func (c *Connection) Write(ctx context.Context, addr gpib.Addr, cmd string) error {
	if !addr.Valid() {
		return gpib.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return err
	}

	if err := c.selectAddrLocked(ctx, addr); err != nil {
		return err
	}

	c.logger.Debug("write", "addr", addr, "cmd", cmd)

	return c.sendLocked(ctx, frame.EncodeCommand(cmd))
}

// WriteBinary sends raw bytes to the device at addr.
//
// The controller parses its input stream for directives, so the payload is
// escaped byte-wise before transmission. In file mode the payload is
// additionally wrapped in an IEEE 488.2 definite-length block so the device
// learns the exact byte count.
func (c *Connection) WriteBinary(ctx context.Context, addr gpib.Addr, mode gpib.BinaryMode, data []byte) error {
	if !addr.Valid() {
		return gpib.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return err
	}

	if err := c.selectAddrLocked(ctx, addr); err != nil {
		return err
	}

	c.logger.Debug("write binary", "addr", addr, "mode", bool(mode), "len", len(data))

	var wire []byte
	if mode == gpib.BinaryModeFile {
		wire = frame.EscapeBinary(frame.EncodeBlock(data))
	} else {
		wire = frame.EscapeBinary(data)
	}
	wire = append(wire, frame.LF)

	return c.sendLocked(ctx, wire)
}

// ReadText reads a newline-framed text response from the device at addr.
// An idle timeout yields gpib.ErrTimeout and faults the connection, since
// a response arriving after the caller gave up could attach to a later
// transaction.
func (c *Connection) ReadText(ctx context.Context, addr gpib.Addr) (string, error) {
	if !addr.Valid() {
		return "", gpib.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return "", err
	}

	if err := c.selectAddrLocked(ctx, addr); err != nil {
		return "", err
	}

	return c.readResponseLocked(ctx)
}

// ReadBinary reads a binary response from the device at addr. The response
// arrives as an IEEE 488.2 definite-length block; the embedded byte count
// frames the payload, so embedded zero bytes or terminator bytes never
// truncate it.
func (c *Connection) ReadBinary(ctx context.Context, addr gpib.Addr) ([]byte, error) {
	if !addr.Valid() {
		return nil, gpib.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return nil, err
	}

	if err := c.selectAddrLocked(ctx, addr); err != nil {
		return nil, err
	}

	return c.readBlockLocked(ctx)
}

// Query sends cmd to the device at addr and reads the text response while
// holding the transaction mutex for the whole exchange, so no other caller
// can interleave between the write and the read.
func (c *Connection) Query(ctx context.Context, addr gpib.Addr, cmd string) (string, error) {
	if !addr.Valid() {
		return "", gpib.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return "", err
	}

	if err := c.selectAddrLocked(ctx, addr); err != nil {
		return "", err
	}

	c.logger.Debug("query", "addr", addr, "cmd", cmd)

	if err := c.sendLocked(ctx, frame.EncodeCommand(cmd)); err != nil {
		return "", err
	}

	return c.readResponseLocked(ctx)
}

// Discover serial-polls every bus address and returns the addresses that
// answered. A silent address is absent, not an error; an empty bus yields
// an empty slice.
func (c *Connection) Discover(ctx context.Context) ([]gpib.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return nil, err
	}

	addrs := make([]gpib.Addr, 0, 8)

	for addr := gpib.MinAddr; addr <= gpib.MaxAddr; addr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := c.selectAddrLocked(ctx, addr); err != nil {
			return nil, err
		}

		if err := c.sendLocked(ctx, frame.EncodeCommand(cmdSerialPoll)); err != nil {
			return nil, err
		}

		line, err := c.readLineLocked(ctx, c.cfg.scanTimeout, false)
		if err != nil {
			if errors.Is(err, gpib.ErrTimeout) {
				continue // nothing at this address
			}

			return nil, err
		}

		if _, convErr := strconv.Atoi(strings.TrimSpace(string(line))); convErr == nil {
			addrs = append(addrs, addr)
		}
	}

	c.logger.Debug("bus scan finished", "found", len(addrs))

	return addrs, nil
}

// SaveFile retrieves a binary payload from the device at addr and persists
// it under filename. File mode expects an IEEE 488.2 block response; direct
// mode stores a newline-framed text response verbatim.
//
// Bus-side failures surface as transport errors; a failure to create or
// write the destination surfaces as an *os.PathError, so callers can tell
// "device didn't answer" from "disk is full".
func (c *Connection) SaveFile(ctx context.Context, addr gpib.Addr, mode gpib.BinaryMode, filename string) error {
	var data []byte
	var err error

	if mode == gpib.BinaryModeFile {
		data, err = c.ReadBinary(ctx, addr)
	} else {
		var text string
		text, err = c.ReadText(ctx, addr)
		data = []byte(text)
	}
	if err != nil {
		return err
	}

	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	if writeErr != nil {
		return writeErr
	}

	return closeErr
}

// connectLocked dials the controller and issues the setup sequence.
// The caller must hold the transaction mutex.
func (c *Connection) connectLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.connectTimeout}

	addr := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to controller %s: %w", addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.lastAddr = 0

	if err := c.setupLocked(ctx); err != nil {
		_ = c.conn.Close()
		c.conn = nil

		return err
	}

	if err := c.stateMgr.ToConnected(); err != nil {
		return err
	}

	c.logger.Info("controller connected")

	return nil
}

// setupLocked issues the controller setup sequence: controller-in-charge
// mode, read-after-write disabled, the GPIB read timeout, and no automatic
// terminator appended to bus data.
func (c *Connection) setupLocked(ctx context.Context) error {
	directives := []string{
		cmdModeCtrl,
		cmdAutoOff,
		fmt.Sprintf("%s %d", cmdReadTimeout, c.cfg.readTimeout.Milliseconds()),
		cmdEOSNone,
	}

	for _, directive := range directives {
		if err := c.writeRawLocked(ctx, frame.EncodeCommand(directive)); err != nil {
			return fmt.Errorf("controller setup: %w", err)
		}
	}

	return nil
}

// beginLocked validates the connection state and context before a
// transaction starts.
func (c *Connection) beginLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch c.stateMgr.State() {
	case gpib.FaultedState:
		return gpib.ErrConnFaulted
	case gpib.DisconnectedState:
		return gpib.ErrNotConnected
	default:
		return nil
	}
}

// selectAddrLocked emits the address-select directive when the target
// address differs from the last-selected address on this link.
func (c *Connection) selectAddrLocked(ctx context.Context, addr gpib.Addr) error {
	if addr == c.lastAddr {
		return nil
	}

	directive := fmt.Sprintf("%s %d", cmdSelectAddr, addr)
	if err := c.writeRawLocked(ctx, frame.EncodeCommand(directive)); err != nil {
		return err
	}

	c.lastAddr = addr
	c.metrics.incAddrSelectCount()

	return nil
}

// sendLocked writes a framed command or payload, counting the transaction.
func (c *Connection) sendLocked(ctx context.Context, wire []byte) error {
	if err := c.writeRawLocked(ctx, wire); err != nil {
		return err
	}

	c.metrics.incTxCount()

	return nil
}

// writeRawLocked writes wire bytes with the write deadline applied. Any
// socket error faults the connection.
func (c *Connection) writeRawLocked(ctx context.Context, wire []byte) error {
	if err := c.conn.SetWriteDeadline(c.deadline(ctx, c.cfg.writeTimeout)); err != nil {
		return c.faultLocked(err)
	}

	if _, err := c.conn.Write(wire); err != nil {
		c.metrics.incErrCount()

		return c.faultLocked(err)
	}

	return nil
}

// readResponseLocked requests the device data with the read directive, then
// reads one newline-framed response with the configured read timeout,
// faulting the connection on timeout.
func (c *Connection) readResponseLocked(ctx context.Context) (string, error) {
	if err := c.sendLocked(ctx, frame.EncodeCommand(cmdReadEOI)); err != nil {
		return "", err
	}

	line, err := c.readLineLocked(ctx, c.cfg.readTimeout, true)
	if err != nil {
		return "", err
	}

	c.metrics.incRxCount()

	return string(line), nil
}

// readLineLocked reads bytes until the LF terminator or the idle timeout
// elapses. With faultOnTimeout, a timeout faults the connection and yields
// gpib.ErrTimeout; without it (bus scans) the timeout is reported but the
// connection stays healthy.
func (c *Connection) readLineLocked(ctx context.Context, timeout time.Duration, faultOnTimeout bool) ([]byte, error) {
	if err := c.conn.SetReadDeadline(c.deadline(ctx, timeout)); err != nil {
		return nil, c.faultLocked(err)
	}

	raw, err := c.reader.ReadBytes(frame.LF)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.metrics.incTimeoutCount()

			if !faultOnTimeout {
				return nil, gpib.ErrTimeout
			}

			return nil, c.faultTimeoutLocked()
		}

		c.metrics.incErrCount()

		return nil, c.faultLocked(err)
	}

	payload, _ := frame.DecodeResponse(raw)

	return payload, nil
}

// readBlockLocked reads an IEEE 488.2 definite-length block response.
func (c *Connection) readBlockLocked(ctx context.Context) ([]byte, error) {
	if err := c.sendLocked(ctx, frame.EncodeCommand(cmdReadEOI)); err != nil {
		return nil, err
	}

	if err := c.conn.SetReadDeadline(c.deadline(ctx, c.cfg.readTimeout)); err != nil {
		return nil, c.faultLocked(err)
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return nil, c.mapReadErrLocked(err)
	}

	if header[0] != '#' {
		return nil, c.faultLocked(fmt.Errorf("malformed binary response, got introducer %#x: %w", header[0], frame.ErrNotBlock))
	}

	digits, err := frame.BlockDigitCount(header[1])
	if err != nil {
		return nil, c.faultLocked(err)
	}

	lenField := make([]byte, digits)
	if _, err := io.ReadFull(c.reader, lenField); err != nil {
		return nil, c.mapReadErrLocked(err)
	}

	dataLen, err := frame.BlockDataLen(lenField)
	if err != nil {
		return nil, c.faultLocked(err)
	}

	payload := make([]byte, dataLen)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, c.mapReadErrLocked(err)
	}

	c.drainTerminatorLocked()

	c.metrics.incRxCount()

	return util.CloneSlice(payload, 0), nil
}

// drainTerminatorLocked consumes the optional response terminator following
// a binary block so it cannot attach to the next transaction.
func (c *Connection) drainTerminatorLocked() {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond)); err != nil {
		return
	}

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return // timeout: no terminator pending
		}
		if b == frame.LF {
			return
		}
		if b != frame.CR {
			// not a terminator byte, give it back to the next read
			_ = c.reader.UnreadByte()
			return
		}
	}
}

// mapReadErrLocked maps a read error to the transport error taxonomy:
// timeouts fault the connection and yield gpib.ErrTimeout, everything else
// faults the connection with the raw cause preserved.
func (c *Connection) mapReadErrLocked(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.metrics.incTimeoutCount()

		return c.faultTimeoutLocked()
	}

	c.metrics.incErrCount()

	return c.faultLocked(err)
}

// faultLocked transitions the connection to the faulted state and wraps the
// causing error. The raw cause is preserved for the caller.
func (c *Connection) faultLocked(err error) error {
	if transErr := c.stateMgr.ToFaulted(); transErr == nil {
		c.logger.Error("connection faulted", "error", err)
	}

	return fmt.Errorf("controller connection fault: %w", err)
}

// faultTimeoutLocked transitions the connection to the faulted state with
// gpib.ErrTimeout. The in-flight response could attach to a later
// transaction, so the link must be reconnected before further use.
func (c *Connection) faultTimeoutLocked() error {
	if err := c.stateMgr.ToFaulted(); err == nil {
		c.logger.Warn("read timeout, connection faulted")
	}

	return gpib.ErrTimeout
}

// deadline computes the absolute I/O deadline from the idle timeout and the
// context deadline, whichever is earlier.
func (c *Connection) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}

	return d
}
