package plxeth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/internal/pool"
	"github.com/arloliu/go-gpib/logger"
)

// NetFinder protocol constants. The controller answers an identify
// broadcast on a fixed UDP port with a fixed-size identify reply.
const (
	// NetFinderPort is the UDP port the controller's NetFinder service
	// listens on.
	NetFinderPort = 3040

	nfMagic         = 0x5A
	nfIdentify      = 0
	nfIdentifyReply = 1

	nfHeaderLen = 12 // magic(1) id(1) seq(2) eth(6) pad(2)
	nfParamsLen = 64 // uptime(5) mode(1) alert(1) iptype(1) addrs(16) versions(12) name(32) -- see parseIdentifyReply
	nfReplyLen  = nfHeaderLen + nfParamsLen
)

// ControllerInfo describes one GPIB-Ethernet controller located by the
// NetFinder probe.
type ControllerInfo struct {
	// MAC is the controller's Ethernet address, the stable identity used
	// to deduplicate replies arriving on multiple interfaces.
	MAC net.HardwareAddr
	// IP is the controller's IPv4 address; use it as the host of a
	// ConnectionConfig.
	IP net.IP
	// Netmask is the controller's IPv4 netmask.
	Netmask net.IP
	// Gateway is the controller's IPv4 gateway.
	Gateway net.IP

	// Uptime is how long the controller has been running.
	Uptime time.Duration
	// Mode is the controller's boot mode indicator.
	Mode uint8
	// Alert is the controller's alert indicator.
	Alert uint8
	// DynamicIP reports whether the address was assigned dynamically.
	DynamicIP bool

	// AppVersion, BootVersion and HardwareVersion are dotted version strings.
	AppVersion      string
	BootVersion     string
	HardwareVersion string

	// Name is the controller's configured display name.
	Name string
}

// FindControllers probes every broadcast-capable local interface for
// GPIB-Ethernet controllers and returns all that answered within timeout.
// Replies are deduplicated by controller MAC across interfaces. Finding
// nothing yields an empty slice, not an error.
func FindControllers(ctx context.Context, timeout time.Duration) ([]*ControllerInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	seq := uint16(rand.Intn(65535) + 1)
	probe := encodeIdentify(seq)

	found := xsync.NewMapOf[string, *ControllerInfo]()
	log := logger.GetLogger()

	var wg sync.WaitGroup
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}

		localIP := interfaceIPv4(&iface)
		if localIP == nil {
			continue // interface has no assigned IPv4 address
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if probeErr := probeInterface(ctx, localIP, probe, seq, timeout, found); probeErr != nil {
				log.Debug("netfinder probe failed", "interface", localIP.String(), "error", probeErr)
			}
		}()
	}
	wg.Wait()

	controllers := make([]*ControllerInfo, 0, found.Size())
	found.Range(func(_ string, info *ControllerInfo) bool {
		controllers = append(controllers, info)
		return true
	})

	return controllers, nil
}

// FindFirst returns the IPv4 address of the first controller reachable on
// the local network segment, to bootstrap a Connection without a hardcoded
// host. Returns gpib.ErrNoController when nothing answered.
func FindFirst(ctx context.Context, timeout time.Duration) (string, error) {
	controllers, err := FindControllers(ctx, timeout)
	if err != nil {
		return "", err
	}

	if len(controllers) == 0 {
		return "", gpib.ErrNoController
	}

	return controllers[0].IP.String(), nil
}

// probeInterface broadcasts the identify packet from localIP and collects
// identify replies until the timeout window closes.
func probeInterface(
	ctx context.Context,
	localIP net.IP,
	probe []byte,
	seq uint16,
	timeout time.Duration,
	found *xsync.MapOf[string, *ControllerInfo],
) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := enableBroadcast(conn); err != nil {
		return err
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: NetFinderPort}
	if _, err := conn.WriteToUDP(probe, dst); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		collectReplies(conn, seq, found)
	}()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	// closing the socket unblocks the collector
	_ = conn.Close()
	<-done

	return ctx.Err()
}

// collectReplies reads identify replies until the socket is closed,
// storing each valid reply keyed by controller MAC.
func collectReplies(conn *net.UDPConn, seq uint16, found *xsync.MapOf[string, *ControllerInfo]) {
	buf := make([]byte, 256)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		info, parseErr := parseIdentifyReply(buf[:n], seq)
		if parseErr != nil {
			continue // not a reply to our probe
		}

		found.Store(info.MAC.String(), info)
	}
}

// enableBroadcast sets SO_BROADCAST so the identify packet may be sent to
// the limited broadcast address.
func enableBroadcast(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}

	return sockErr
}

// interfaceIPv4 returns the first IPv4 address assigned to the interface,
// or nil when it has none.
func interfaceIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4
		}
	}

	return nil
}

// encodeIdentify builds the identify broadcast packet: the NetFinder
// header with the all-ones Ethernet address.
func encodeIdentify(seq uint16) []byte {
	buf := make([]byte, nfHeaderLen)
	buf[0] = nfMagic
	buf[1] = nfIdentify
	binary.BigEndian.PutUint16(buf[2:4], seq)
	copy(buf[4:10], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	// bytes 10-11 are padding

	return buf
}

// parseIdentifyReply validates and decodes an identify reply. The reply
// must carry the NetFinder magic, the identify-reply id and the sequence
// number of our probe; anything else is not a reply to this probe.
func parseIdentifyReply(msg []byte, seq uint16) (*ControllerInfo, error) {
	if len(msg) != nfReplyLen {
		return nil, errors.New("unexpected reply length")
	}

	if msg[0] != nfMagic {
		return nil, errors.New("bad magic")
	}
	if msg[1] != nfIdentifyReply {
		return nil, errors.New("not an identify reply")
	}
	if binary.BigEndian.Uint16(msg[2:4]) != seq {
		return nil, errors.New("sequence mismatch")
	}

	mac := make(net.HardwareAddr, 6)
	copy(mac, msg[4:10])

	params := msg[nfHeaderLen:]

	uptimeDays := binary.BigEndian.Uint16(params[0:2])
	uptime := time.Duration(uptimeDays)*24*time.Hour +
		time.Duration(params[2])*time.Hour +
		time.Duration(params[3])*time.Minute +
		time.Duration(params[4])*time.Second

	info := &ControllerInfo{
		MAC:             mac,
		Uptime:          uptime,
		Mode:            params[5],
		Alert:           params[6],
		DynamicIP:       params[7] == 0,
		IP:              net.IPv4(params[8], params[9], params[10], params[11]),
		Netmask:         net.IPv4(params[12], params[13], params[14], params[15]),
		Gateway:         net.IPv4(params[16], params[17], params[18], params[19]),
		AppVersion:      dottedVersion(params[20:24]),
		BootVersion:     dottedVersion(params[24:28]),
		HardwareVersion: dottedVersion(params[28:32]),
		Name:            decodeName(params[32:64]),
	}

	return info, nil
}

// dottedVersion formats a 4-byte version field as "a.b.c.d".
func dottedVersion(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// decodeName trims the NUL padding from the fixed-size name field.
func decodeName(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
