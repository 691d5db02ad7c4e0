// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package radio defines the hardware abstraction the mesh stack drives (spec §6.1) and
// adapts the teacher's chip-specific drivers (sx1276 for LoRa, sx1231/rfm69 for FSK) to it,
// plus an in-memory loopback pair for tests that never touch real hardware.
package radio

import (
	"errors"
	"sync"

	"github.com/tve/lorameshd/adr"
)

// ErrNotSupported is returned by an adapter operation the underlying chip cannot perform.
var ErrNotSupported = errors.New("radio: operation not supported by this driver")

// ReceiveFunc is invoked for every frame the driver hears, off the interrupt-fed worker
// goroutine the teacher's chip packages already run (spec §6.1 "on_receive callback").
type ReceiveFunc func(payload []byte, rssi int, snr float64)

// Driver is the hardware abstraction every radio adapter implements (spec §6.1): spreading
// factor control, carrier sense for the MAC's CSMA gate, transmit, and a receive callback.
type Driver interface {
	// SetSpreadingFactor reconfigures the radio for sf, used by ADR negotiation (spec §4.D).
	SetSpreadingFactor(sf adr.SF) error
	// CarrierSense reports whether the channel is currently busy, used by the MAC's
	// transmit gate (spec §4.E).
	CarrierSense() bool
	// Send transmits payload. It does not block for an ack; the reliable-delivery layer
	// owns retries (spec §4.G).
	Send(payload []byte) error
	// OnReceive installs the callback invoked for every received frame. Only one callback
	// is supported at a time; a later call replaces the previous one.
	OnReceive(cb ReceiveFunc)
	// LastRSSI and LastSNR report the metrics of the most recently received frame.
	LastRSSI() int
	LastSNR() float64
	// Close releases the underlying hardware resources.
	Close() error
}

// baseAdapter centralizes the receive-callback plumbing shared by every chip adapter: a
// worker goroutine drains the chip package's RX channel and fans frames out to cb.
type baseAdapter struct {
	mu       sync.Mutex
	cb       ReceiveFunc
	lastRSSI int
	lastSNR  float64
}

func (b *baseAdapter) OnReceive(cb ReceiveFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
}

func (b *baseAdapter) deliver(payload []byte, rssi int, snr float64) {
	b.mu.Lock()
	b.lastRSSI, b.lastSNR = rssi, snr
	cb := b.cb
	b.mu.Unlock()
	if cb != nil {
		cb(payload, rssi, snr)
	}
}

func (b *baseAdapter) LastRSSI() int     { return b.lastRSSI }
func (b *baseAdapter) LastSNR() float64  { return b.lastSNR }
