package plxeth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-gpib/frame"
	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level logger.LogLevel
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "info":
		level = logger.InfoLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	case "fatal":
		level = logger.FatalLevel
	default:
		level = logger.InfoLevel
	}

	logger.SetLevel(level)

	os.Exit(m.Run())
}

// simDevice is one simulated instrument on the simulated bus.
type simDevice struct {
	responses map[string]string // command -> text response
	binData   []byte            // block-framed response to the read directive
	binMode   bool

	lastCmd string
	writes  []string
}

// simAdapter simulates a GPIB-Ethernet controller: a TCP listener that
// parses directives and forwards everything else to the simulated device at
// the currently selected address. A read directive for an address with no
// device stays silent, like a real bus.
type simAdapter struct {
	ln net.Listener

	mu          sync.Mutex
	devices     map[int]*simDevice
	directives  []string
	addrSelects int
	curAddr     int
}

func newSimAdapter(t *testing.T) *simAdapter {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sim := &simAdapter{
		ln:      ln,
		devices: make(map[int]*simDevice),
	}

	go sim.serve()
	t.Cleanup(func() { _ = ln.Close() })

	return sim
}

func (s *simAdapter) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port //nolint:errcheck
}

func (s *simAdapter) addDevice(addr int) *simDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev := &simDevice{responses: make(map[string]string)}
	s.devices[addr] = dev

	return dev
}

func (s *simAdapter) selectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addrSelects
}

func (s *simAdapter) setupDirectives() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.directives...)
}

func (s *simAdapter) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *simAdapter) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := readEscapedLine(reader)
		if err != nil {
			return
		}
		s.dispatch(conn, line)
	}
}

// readEscapedLine reads one line honoring the controller's escape rules:
// an ESC byte makes the following byte literal.
func readEscapedLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}

		switch b {
		case frame.ESC:
			next, err := reader.ReadByte()
			if err != nil {
				return nil, err
			}
			line = append(line, next)
		case frame.LF:
			return line, nil
		default:
			line = append(line, b)
		}
	}
}

func (s *simAdapter) dispatch(conn net.Conn, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := string(line)

	switch {
	case strings.HasPrefix(cmd, cmdSelectAddr+" "):
		fmt.Sscanf(cmd, cmdSelectAddr+" %d", &s.curAddr) //nolint:errcheck
		s.addrSelects++

	case cmd == cmdSerialPoll:
		if _, ok := s.devices[s.curAddr]; ok {
			_, _ = conn.Write([]byte("0\n"))
		}
		// no device: stay silent, the client's scan window expires

	case cmd == cmdReadEOI:
		dev, ok := s.devices[s.curAddr]
		if !ok {
			return // nothing listening, client read times out
		}

		if dev.binMode {
			wire := frame.EncodeBlock(dev.binData)
			wire = append(wire, frame.LF)
			_, _ = conn.Write(wire)
			return
		}

		if resp, ok := dev.responses[dev.lastCmd]; ok {
			_, _ = conn.Write([]byte(resp + "\n"))
		}
		// unknown command: stay silent

	case strings.HasPrefix(cmd, "++"):
		s.directives = append(s.directives, cmd)

	default:
		if dev, ok := s.devices[s.curAddr]; ok {
			dev.lastCmd = cmd
			dev.writes = append(dev.writes, cmd)
		}
	}
}

func newTestConn(t *testing.T, sim *simAdapter, opts ...ConnOption) *Connection {
	t.Helper()

	opts = append([]ConnOption{
		WithPort(sim.port()),
		WithReadTimeout(200 * time.Millisecond),
		WithScanTimeout(20 * time.Millisecond),
		WithConnectTimeout(1 * time.Second),
	}, opts...)

	cfg, err := NewConnectionConfig("127.0.0.1", opts...)
	require.NoError(t, err)

	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestConnection_OpenIssuesSetupSequence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)

	require.Equal(gpib.DisconnectedState, conn.State())
	require.NoError(conn.Open(ctx))
	require.Equal(gpib.ConnectedState, conn.State())

	// the setup directives land before the first transaction
	sim.addDevice(5).responses["*IDN?"] = "SIM"
	_, err := conn.Query(ctx, 5, "*IDN?")
	require.NoError(err)

	directives := sim.setupDirectives()
	require.Contains(directives, cmdModeCtrl)
	require.Contains(directives, cmdAutoOff)
	require.Contains(directives, cmdEOSNone)
	require.Contains(directives, cmdReadTimeout+" 200")
}

func TestConnection_NotConnected(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)

	err := conn.Write(ctx, 5, "*RST")
	require.ErrorIs(err, gpib.ErrNotConnected)

	_, err = conn.Query(ctx, 5, "*IDN?")
	require.ErrorIs(err, gpib.ErrNotConnected)
}

func TestConnection_QueryRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(11)
	dev.responses["*IDN?"] = "HEWLETT-PACKARD,34401A,0,11-5-2"
	dev.responses["SYST:ERR?"] = ""

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	got, err := conn.Query(ctx, 11, "*IDN?")
	require.NoError(err)
	require.Equal("HEWLETT-PACKARD,34401A,0,11-5-2", got)

	// empty response is valid, not an error
	got, err = conn.Query(ctx, 11, "SYST:ERR?")
	require.NoError(err)
	require.Empty(got)
}

func TestConnection_WriteThenRead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(7)
	dev.responses["MEAS:VOLT:DC?"] = "+1.23450000E+00"

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	require.NoError(conn.Write(ctx, 7, "MEAS:VOLT:DC?"))

	got, err := conn.ReadText(ctx, 7)
	require.NoError(err)
	require.Equal("+1.23450000E+00", got)

	require.Equal([]string{"MEAS:VOLT:DC?"}, dev.writes)
}

func TestConnection_AddrSelectChatter(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(11)
	dev.responses["*IDN?"] = "SIM-11"
	dev2 := sim.addDevice(12)
	dev2.responses["*IDN?"] = "SIM-12"

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	// two consecutive transactions to one address: exactly one select
	_, err := conn.Query(ctx, 11, "*IDN?")
	require.NoError(err)
	_, err = conn.Query(ctx, 11, "*IDN?")
	require.NoError(err)

	require.Equal(1, sim.selectCount())
	require.Equal(uint64(1), conn.Metrics().AddrSelectCount.Load())

	// switching address costs one more select
	_, err = conn.Query(ctx, 12, "*IDN?")
	require.NoError(err)
	require.Equal(2, sim.selectCount())
}

func TestConnection_TimeoutFaultsConnection(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	// no device at address 9: the read directive gets no response
	_, err := conn.ReadText(ctx, 9)
	require.ErrorIs(err, gpib.ErrTimeout)
	require.Equal(gpib.FaultedState, conn.State())

	// without reconnection every transaction fails fast, no silent hang
	start := time.Now()
	_, err = conn.ReadText(ctx, 9)
	require.ErrorIs(err, gpib.ErrConnFaulted)
	require.Less(time.Since(start), 100*time.Millisecond)

	err = conn.Write(ctx, 9, "*RST")
	require.ErrorIs(err, gpib.ErrConnFaulted)
}

func TestConnection_ReconnectAfterFault(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(4)
	dev.responses["*IDN?"] = "BACK"

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	_, err := conn.ReadText(ctx, 9)
	require.ErrorIs(err, gpib.ErrTimeout)
	require.Equal(gpib.FaultedState, conn.State())

	require.NoError(conn.Reconnect(ctx))
	require.Equal(gpib.ConnectedState, conn.State())
	require.Equal(uint32(1), conn.Metrics().ReconnectGauge.Load())

	got, err := conn.Query(ctx, 4, "*IDN?")
	require.NoError(err)
	require.Equal("BACK", got)
}

func TestConnection_OpenDoesNotHealFault(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	_, err := conn.ReadText(ctx, 9)
	require.ErrorIs(err, gpib.ErrTimeout)
	require.Equal(gpib.FaultedState, conn.State())

	// only Reconnect acknowledges a fault; Open must not quietly reopen
	require.ErrorIs(conn.Open(ctx), gpib.ErrConnFaulted)
	require.Equal(gpib.FaultedState, conn.State())

	require.NoError(conn.Reconnect(ctx))
	require.Equal(gpib.ConnectedState, conn.State())
}

func TestConnection_StateChangeHandler(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(4)
	dev.responses["*IDN?"] = "SIM"

	conn := newTestConn(t, sim)

	var transitions [][2]gpib.ConnState
	conn.AddConnStateChangeHandler(func(prev gpib.ConnState, next gpib.ConnState) {
		transitions = append(transitions, [2]gpib.ConnState{prev, next})
	})

	require.NoError(conn.Open(ctx))

	_, err := conn.ReadText(ctx, 9)
	require.ErrorIs(err, gpib.ErrTimeout)

	require.NoError(conn.Reconnect(ctx))

	require.Equal([][2]gpib.ConnState{
		{gpib.DisconnectedState, gpib.ConnectedState},
		{gpib.ConnectedState, gpib.FaultedState},
		{gpib.FaultedState, gpib.ConnectedState},
	}, transitions)
}

func TestConnection_ReadBinarySizes(t *testing.T) {
	ctx := context.Background()

	sizes := []int{0, 1, 4096, 65536}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			require := require.New(t)

			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 251) // embedded zeros included
			}

			sim := newSimAdapter(t)
			dev := sim.addDevice(8)
			dev.binMode = true
			dev.binData = payload

			conn := newTestConn(t, sim)
			require.NoError(conn.Open(ctx))

			got, err := conn.ReadBinary(ctx, 8)
			require.NoError(err)
			require.Len(got, size)
			require.True(bytes.Equal(payload, got))
		})
	}
}

func TestConnection_WriteBinaryEscaped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(6)

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	// payload with every byte that needs escaping on the command channel
	payload := []byte{0x01, frame.CR, frame.LF, frame.ESC, '+', 0xFF}
	require.NoError(conn.WriteBinary(ctx, 6, gpib.BinaryModeDirect, payload))

	// flush ordering: issue a query so the sim has processed the payload
	dev.responses["*OPC?"] = "1"
	_, err := conn.Query(ctx, 6, "*OPC?")
	require.NoError(err)

	require.GreaterOrEqual(len(dev.writes), 1)
	require.Equal(payload, []byte(dev.writes[0]))
}

func TestConnection_Discover(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	sim.addDevice(3)
	sim.addDevice(11)
	sim.addDevice(24)

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	addrs, err := conn.Discover(ctx)
	require.NoError(err)
	require.ElementsMatch([]gpib.Addr{3, 11, 24}, addrs)

	// the scan leaves the connection healthy
	require.Equal(gpib.ConnectedState, conn.State())
}

func TestConnection_DiscoverEmptyBus(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	addrs, err := conn.Discover(ctx)
	require.NoError(err)
	require.Empty(addrs)
	require.Equal(gpib.ConnectedState, conn.State())
}

func TestConnection_SaveFile(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0xA5, 0x00}, 2048)

	sim := newSimAdapter(t)
	dev := sim.addDevice(14)
	dev.binMode = true
	dev.binData = payload

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	dest := filepath.Join(t.TempDir(), "trace.bin")
	require.NoError(conn.SaveFile(ctx, 14, gpib.BinaryModeFile, dest))

	got, err := os.ReadFile(dest)
	require.NoError(err)
	require.Equal(payload, got)
}

func TestConnection_SaveFileBadDestination(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	dev := sim.addDevice(14)
	dev.binMode = true
	dev.binData = []byte{0x01}

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	err := conn.SaveFile(ctx, 14, gpib.BinaryModeFile, filepath.Join(t.TempDir(), "missing", "trace.bin"))
	require.Error(err)
	require.IsType(&os.PathError{}, err)

	// a disk-side failure is not a bus fault
	require.Equal(gpib.ConnectedState, conn.State())
}

func TestConnection_InvalidAddress(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	for _, addr := range []gpib.Addr{0, 31, -5} {
		require.ErrorIs(conn.Write(ctx, addr, "*RST"), gpib.ErrInvalidAddress)

		_, err := conn.ReadBinary(ctx, addr)
		require.ErrorIs(err, gpib.ErrInvalidAddress)
	}
}

func TestConnection_SerializesConcurrentCallers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimAdapter(t)
	for addr := 1; addr <= 4; addr++ {
		dev := sim.addDevice(addr)
		dev.responses["*IDN?"] = fmt.Sprintf("SIM-%d", addr)
	}

	conn := newTestConn(t, sim)
	require.NoError(conn.Open(ctx))

	var wg sync.WaitGroup
	errCh := make(chan error, 4*20)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			addr := gpib.Addr(n + 1)
			want := fmt.Sprintf("SIM-%d", addr)
			for j := 0; j < 20; j++ {
				got, err := conn.Query(ctx, addr, "*IDN?")
				if err != nil {
					errCh <- err
					return
				}
				if got != want {
					errCh <- fmt.Errorf("addr %d got interleaved response %q", addr, got)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(err)
	}
}
