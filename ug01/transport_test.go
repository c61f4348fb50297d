package ug01

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/stretchr/testify/require"
)

// simVendor is an in-memory simulation of the vendor call surface. It
// panics on reentrant calls, mirroring the non-reentrant vendor library.
type simVendor struct {
	inFlight atomic.Int32

	textResp map[int][]byte
	binResp  map[int][]byte
	binPad   int // extra pad bytes appended to the returned binary buffer
	found    []int

	writeStatus int
	saveStatus  int
	failRead    bool

	writes         []string
	saved          []string
	lastBinLen     int
	binLenOverride int
}

func newSimVendor() *simVendor {
	return &simVendor{
		textResp:   make(map[int][]byte),
		binResp:    make(map[int][]byte),
		lastBinLen: -1,
	}
}

func (s *simVendor) enter() {
	if s.inFlight.Add(1) != 1 {
		panic("concurrent vendor call")
	}
}

func (s *simVendor) exit() { s.inFlight.Add(-1) }

func (s *simVendor) Write(addr int, scpi string) int {
	s.enter()
	defer s.exit()

	s.writes = append(s.writes, fmt.Sprintf("%d:%s", addr, scpi))

	return s.writeStatus
}

func (s *simVendor) WriteBinary(addr int, mode bool, data []byte) int {
	s.enter()
	defer s.exit()

	s.writes = append(s.writes, fmt.Sprintf("%d:bin[%d]", addr, len(data)))

	return s.writeStatus
}

func (s *simVendor) Read(addr int) []byte {
	s.enter()
	defer s.exit()

	if s.failRead {
		return nil
	}
	resp, ok := s.textResp[addr]
	if !ok {
		return []byte{}
	}

	return resp
}

func (s *simVendor) ReadBinary(addr int) []byte {
	s.enter()
	defer s.exit()

	if s.failRead {
		return nil
	}

	payload := s.binResp[addr]
	s.lastBinLen = len(payload)

	// over-allocated, NUL-padded buffer as the vendor library returns it
	buf := make([]byte, len(payload)+s.binPad)
	copy(buf, payload)

	return buf
}

func (s *simVendor) ReadBinaryLength() int {
	s.enter()
	defer s.exit()

	if s.binLenOverride != 0 {
		return s.binLenOverride
	}

	return s.lastBinLen
}

func (s *simVendor) Query(addr int, scpi string) []byte {
	s.enter()
	defer s.exit()

	if s.failRead {
		return nil
	}
	s.writes = append(s.writes, fmt.Sprintf("%d:%s", addr, scpi))

	return s.textResp[addr]
}

func (s *simVendor) Find() []int {
	s.enter()
	defer s.exit()

	return s.found
}

func (s *simVendor) FileSave(addr int, mode bool, filename string) int {
	s.enter()
	defer s.exit()

	s.saved = append(s.saved, filename)

	return s.saveStatus
}

func TestTransport_WriteReadRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	tp := NewTransport(sim)

	for addr := gpib.MinAddr; addr <= gpib.MaxAddr; addr++ {
		want := fmt.Sprintf("RESP-%d", addr)
		sim.textResp[int(addr)] = []byte(want)

		require.NoError(tp.Write(ctx, addr, "*IDN?"))

		got, err := tp.ReadText(ctx, addr)
		require.NoError(err)
		require.Equal(want, got)
	}
}

func TestTransport_ReadText_EmptyIsValid(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	sim.textResp[5] = []byte{}
	tp := NewTransport(sim)

	got, err := tp.ReadText(ctx, 5)
	require.NoError(err)
	require.Empty(got)
}

func TestTransport_ReadText_Failure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	sim.failRead = true
	tp := NewTransport(sim)

	_, err := tp.ReadText(ctx, 5)
	require.ErrorIs(err, ErrReadFailed)
}

func TestTransport_ReadBinary_ExactLength(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload []byte
		pad     int
	}{
		{"exact buffer", []byte{0x01, 0x02, 0x03}, 0},
		{"over-allocated buffer", []byte{0x01, 0x02, 0x03, 0x04}, 128},
		{"embedded zero bytes", []byte{0x41, 0x00, 0x00, 0x42}, 64},
		{"empty payload", []byte{}, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			sim := newSimVendor()
			sim.binResp[7] = tt.payload
			sim.binPad = tt.pad
			tp := NewTransport(sim)

			got, err := tp.ReadBinary(ctx, 7)
			require.NoError(err)
			require.Len(got, len(tt.payload))
			require.Equal(tt.payload, got)
		})
	}
}

func TestTransport_ReadBinary_LengthExceedsBuffer(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	sim.binResp[7] = []byte{0x01, 0x02}
	sim.binLenOverride = 4096 // inconsistent vendor state
	tp := NewTransport(sim)

	_, err := tp.ReadBinary(ctx, 7)
	require.Error(err)
	require.Contains(err.Error(), "exceeding buffer size")
}

func TestTransport_Query_SingleVendorCall(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	sim.textResp[11] = []byte("HEWLETT-PACKARD,34401A,0,11-5-2")
	tp := NewTransport(sim)

	got, err := tp.Query(ctx, 11, "*IDN?")
	require.NoError(err)
	require.Equal("HEWLETT-PACKARD,34401A,0,11-5-2", got)

	// the query is one vendor call, not a separate write and read
	require.Equal([]string{"11:*IDN?"}, sim.writes)
}

func TestTransport_Discover(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		found []int
		want  []gpib.Addr
	}{
		{"responders present", []int{3, 11, 24}, []gpib.Addr{3, 11, 24}},
		{"unordered scan", []int{24, 3, 11}, []gpib.Addr{24, 3, 11}},
		{"empty bus", nil, []gpib.Addr{}},
		{"out of range filtered", []int{0, 3, 31, 99}, []gpib.Addr{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			sim := newSimVendor()
			sim.found = tt.found
			tp := NewTransport(sim)

			got, err := tp.Discover(ctx)
			require.NoError(err)
			require.ElementsMatch(tt.want, got)
		})
	}
}

func TestTransport_StatusError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	sim.writeStatus = -3
	sim.saveStatus = -7
	tp := NewTransport(sim)

	err := tp.Write(ctx, 4, "*RST")
	statusErr := gpib.AsStatusError(err)
	require.NotNil(statusErr)
	require.Equal(-3, statusErr.Code)
	require.Equal("write", statusErr.Op)

	err = tp.SaveFile(ctx, 4, gpib.BinaryModeFile, "trace.bin")
	statusErr = gpib.AsStatusError(err)
	require.NotNil(statusErr)
	require.Equal(-7, statusErr.Code)

	// a failed transaction doesn't poison the transport
	sim.writeStatus = 0
	require.NoError(tp.Write(ctx, 4, "*RST"))
}

func TestTransport_InvalidAddress(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tp := NewTransport(newSimVendor())

	for _, addr := range []gpib.Addr{0, 31, -1, 100} {
		require.ErrorIs(tp.Write(ctx, addr, "*RST"), gpib.ErrInvalidAddress)

		_, err := tp.ReadText(ctx, addr)
		require.ErrorIs(err, gpib.ErrInvalidAddress)
	}
}

func TestTransport_CanceledContext(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tp := NewTransport(newSimVendor())

	require.ErrorIs(tp.Write(ctx, 5, "*RST"), context.Canceled)

	_, err := tp.Discover(ctx)
	require.ErrorIs(err, context.Canceled)
}

func TestTransport_SerializesConcurrentCallers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	sim := newSimVendor()
	for addr := 1; addr <= 30; addr++ {
		sim.textResp[addr] = []byte("ok")
		sim.binResp[addr] = []byte{0xAA, 0xBB}
	}
	sim.binPad = 32
	tp := NewTransport(sim)

	// the simulator panics on any concurrent vendor call
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			addr := gpib.Addr(n%30 + 1)
			for j := 0; j < 50; j++ {
				_, err := tp.Query(ctx, addr, "*IDN?")
				require.NoError(err)

				buf, err := tp.ReadBinary(ctx, addr)
				require.NoError(err)
				require.Equal([]byte{0xAA, 0xBB}, buf)
			}
		}(i)
	}
	wg.Wait()
}
