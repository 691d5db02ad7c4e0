// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package radio

import (
	"github.com/tve/lorameshd/adr"
	"github.com/tve/lorameshd/sx1231"
)

// FSKAdapter wires sx1231.Radio to the Driver interface (spec §6.1), mapped onto the neighbor
// table's "short-range" interface (spec §4.C): FSK has no spreading factor, so
// SetSpreadingFactor is a no-op that always succeeds, and rate control happens out of band via
// the chip's own SetRate.
type FSKAdapter struct {
	baseAdapter
	radio *sx1231.Radio
}

// NewFSKAdapter wraps an already-initialized sx1231 radio and starts fanning its received
// packets out to the Driver callback.
func NewFSKAdapter(r *sx1231.Radio) *FSKAdapter {
	a := &FSKAdapter{radio: r}
	go a.pump()
	return a
}

func (a *FSKAdapter) pump() {
	for pkt := range a.radio.RxChan {
		// sx1231 doesn't report SNR, only RSSI and frequency error; SNR is reported as 0
		// and the ADR layer falls back to RSSI-only thresholds for this interface.
		a.deliver(pkt.Payload, pkt.Rssi, 0)
	}
}

// SetSpreadingFactor is a no-op: FSK has no spreading factor concept.
func (a *FSKAdapter) SetSpreadingFactor(sf adr.SF) error { return nil }

// CarrierSense is unavailable for the same reason as the LoRa adapter: the chip package
// doesn't expose an RSSI-threshold based channel-busy check as public API.
func (a *FSKAdapter) CarrierSense() bool { return false }

// Send queues payload for transmission.
func (a *FSKAdapter) Send(payload []byte) error {
	if err := a.radio.Error(); err != nil {
		return err
	}
	a.radio.TxChan <- payload
	return nil
}

// Close reports the radio's persistent error, if any.
func (a *FSKAdapter) Close() error { return a.radio.Error() }
