// Package filexfer retrieves binary payloads from instruments and persists
// them to local storage, for devices that push waveform or trace data
// instead of returning text.
//
// Bus-side failures and disk-side failures stay distinct: transport errors
// surface unmodified, while destination failures surface as *os.PathError,
// so a caller can always tell "device didn't answer" from "disk is full".
package filexfer

import (
	"context"
	"os"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
)

// Agent transfers binary payloads from a device to local files.
type Agent struct {
	logger logger.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger for the agent.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAgent creates a transfer agent.
func NewAgent(opts ...Option) *Agent {
	agent := &Agent{
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(agent)
	}

	return agent
}

// Transfer retrieves a payload from the device at addr over the given
// transport and writes it to destPath, returning the number of bytes
// written.
//
// File mode retrieves the payload through the transport's length-aware
// binary read; direct mode stores the newline-framed text response
// verbatim. The destination handle is always released before returning,
// including on a write failure.
func (a *Agent) Transfer(ctx context.Context, tp gpib.Transport, addr gpib.Addr, mode gpib.BinaryMode, destPath string) (int64, error) {
	var data []byte

	if mode == gpib.BinaryModeFile {
		payload, err := tp.ReadBinary(ctx, addr)
		if err != nil {
			return 0, err
		}
		data = payload
	} else {
		text, err := tp.ReadText(ctx, addr)
		if err != nil {
			return 0, err
		}
		data = []byte(text)
	}

	a.logger.Debug("transfer payload", "addr", addr, "len", len(data), "dest", destPath)

	written, err := writeFile(destPath, data)
	if err != nil {
		return written, err
	}

	return written, nil
}

// Transfer retrieves a payload with a default agent. See Agent.Transfer.
func Transfer(ctx context.Context, tp gpib.Transport, addr gpib.Addr, mode gpib.BinaryMode, destPath string) (int64, error) {
	return NewAgent().Transfer(ctx, tp, addr, mode, destPath)
}

// writeFile writes data to destPath, releasing the handle on every path.
func writeFile(destPath string, data []byte) (int64, error) {
	file, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, writeErr := file.Write(data)
	closeErr := file.Close()

	if writeErr != nil {
		return int64(n), writeErr
	}

	return int64(n), closeErr
}
