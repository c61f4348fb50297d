package plxeth

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a controller connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// TxCount indicates the number of commands and payloads sent.
	TxCount atomic.Uint64
	// RxCount indicates the number of responses received.
	RxCount atomic.Uint64
	// ErrCount indicates the number of failed transactions.
	ErrCount atomic.Uint64
	// TimeoutCount indicates the number of read timeouts.
	TimeoutCount atomic.Uint64

	// AddrSelectCount indicates the number of address-select directives
	// emitted. With the last-selected-address cache, consecutive
	// transactions to one address add exactly one.
	AddrSelectCount atomic.Uint64

	// ReconnectGauge indicates the number of reconnections.
	ReconnectGauge atomic.Uint32
}

func (m *ConnectionMetrics) incTxCount() {
	m.TxCount.Add(1)
}

func (m *ConnectionMetrics) incRxCount() {
	m.RxCount.Add(1)
}

func (m *ConnectionMetrics) incErrCount() {
	m.ErrCount.Add(1)
}

func (m *ConnectionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incAddrSelectCount() {
	m.AddrSelectCount.Add(1)
}

func (m *ConnectionMetrics) incReconnectGauge() {
	m.ReconnectGauge.Add(1)
}
