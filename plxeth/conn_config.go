package plxeth

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
)

// DefaultPort is the TCP port the GPIB-Ethernet controller listens on.
const DefaultPort = 1234

// ConnectionConfig represents the configuration parameters for a
// GPIB-Ethernet controller connection.
type ConnectionConfig struct {
	// host specifies the host of the controller.
	host string

	// port specifies the TCP port number of the controller.
	// Defaults to DefaultPort.
	port int

	// readTimeout defines the idle timeout for a response line or binary
	// block. The controller manual bounds it to [1ms, 3s].
	// Defaults to 1 second.
	readTimeout time.Duration

	// connectTimeout defines the timeout for establishing the TCP
	// connection to the controller. Defaults to 3 seconds.
	connectTimeout time.Duration

	// writeTimeout defines the timeout for writing a command to the
	// controller. Defaults to 3 seconds.
	writeTimeout time.Duration

	// scanTimeout defines the per-address response window during a bus
	// scan. A device that stays silent for this long is treated as absent,
	// not as a fault. Defaults to 100 milliseconds.
	scanTimeout time.Duration

	// logger provides a logger instance for logging connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a new controller connection configuration with
// the given host and optional functional options.
//
// It initializes a ConnectionConfig struct with default values and then
// applies the provided options to customize the configuration.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any
// occurred during the configuration process.
func NewConnectionConfig(host string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		port:           DefaultPort,
		readTimeout:    1 * time.Second,
		connectTimeout: 3 * time.Second,
		writeTimeout:   3 * time.Second,
		scanTimeout:    100 * time.Millisecond,
		logger:         logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ReadTimeout returns the configured response idle timeout.
func (cfg *ConnectionConfig) ReadTimeout() time.Duration {
	return cfg.readTimeout
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		applyFunc: f,
	}
}

// withHost sets the host of the controller.
// It returns a ConnOption that validates the host and updates the configuration.
// An error is returned if the configuration is nil.
func withHost(host string) ConnOption {
	return newConnOptFunc("withHost", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		// Check if it's a valid IP address
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		// If not an IP, check if it's a valid domain name
		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return errors.New("invalid host")
	})
}

// WithPort sets the TCP port number of the controller.
// It returns a ConnOption that validates the port number and updates the configuration.
// An error is returned if the port number is out of the valid range (1-65535) or if the configuration is nil.
//
// The default value is DefaultPort.
func WithPort(port int) ConnOption {
	return newConnOptFunc("WithPort", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithReadTimeout sets the idle timeout for a response line or binary block.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the range the controller
// accepts (1 millisecond to 3 seconds) or if the configuration is nil.
//
// The default value is 1 second.
func WithReadTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithReadTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		if val < 1*time.Millisecond || val > 3*time.Second {
			return errors.New("read timeout out of range [1ms, 3s]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithConnectTimeout sets the timeout for establishing the TCP connection.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (100ms-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.1, 30]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the timeout for writing a command to the controller.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (100ms-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
func WithWriteTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithWriteTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("write timeout out of range [0.1, 30]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithScanTimeout sets the per-address response window during a bus scan.
// It returns a ConnOption that validates the timeout value and updates the configuration.
// An error is returned if the timeout is outside the valid range (1ms-3 seconds) or if the configuration is nil.
//
// The default value is 100 milliseconds.
func WithScanTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithScanTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		if val < 1*time.Millisecond || val > 3*time.Second {
			return errors.New("scan timeout out of range [1ms, 3s]")
		}
		cfg.scanTimeout = val

		return nil
	})
}

// WithLogger sets the logger for the controller connection.
// It returns a ConnOption that updates the configuration with the provided logger.
// An error is returned if the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return gpib.ErrConfigNil
		}

		cfg.logger = l

		return nil
	})
}
