// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package radio

import "github.com/tve/lorameshd/adr"

// Loopback is an in-memory Driver with no hardware dependency, for tests that exercise the
// mesh stack without real radios. NewLoopbackPair wires two loopbacks so sends on one arrive
// as receives on the other, simulating a single-hop link.
type Loopback struct {
	baseAdapter
	peer  *Loopback
	sf    adr.SF
	rssi  int
	snr   float64
	busy  bool
}

// NewLoopbackPair returns two Loopback drivers, each other's only neighbor.
func NewLoopbackPair(rssi int, snr float64) (*Loopback, *Loopback) {
	a := &Loopback{rssi: rssi, snr: snr}
	b := &Loopback{rssi: rssi, snr: snr}
	a.peer, b.peer = b, a
	return a, b
}

// SetSpreadingFactor just records the chosen SF, no simulated behavior change.
func (l *Loopback) SetSpreadingFactor(sf adr.SF) error { l.sf = sf; return nil }

// CarrierSense returns the test-controlled busy flag.
func (l *Loopback) CarrierSense() bool { return l.busy }

// SetBusy lets a test simulate channel contention.
func (l *Loopback) SetBusy(busy bool) { l.busy = busy }

// Send delivers payload directly to the peer's receive callback.
func (l *Loopback) Send(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.peer.deliver(cp, l.peer.rssi, l.peer.snr)
	return nil
}

// Close is a no-op for the loopback driver.
func (l *Loopback) Close() error { return nil }
