// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package radio

import (
	"github.com/tve/lorameshd/adr"
	"github.com/tve/lorameshd/sx1276"
)

// sfConfig maps the spec's spreading-factor levels onto the teacher's Configs table, which
// predates a per-SF naming scheme: its four bandwidth/coding-rate presets are ordered here
// from fastest (lowest SF) to slowest (highest SF), with SF8/SF9 and SF10/SF11 sharing the
// nearest preset since the table has no exact match for them.
var sfConfig = map[adr.SF]string{
	adr.SF7:  "bw500cr45sf128",
	adr.SF8:  "bw125cr45sf128",
	adr.SF9:  "bw125cr45sf128",
	adr.SF10: "bw125cr48sf4096",
	adr.SF11: "bw125cr48sf4096",
	adr.SF12: "bw31cr48sf512",
}

// LoRaAdapter wires sx1276.Radio to the Driver interface (spec §6.1), mapped onto the
// neighbor table's "radio" interface (long-range, spec §4.C).
type LoRaAdapter struct {
	baseAdapter
	radio *sx1276.Radio
}

// NewLoRaAdapter wraps an already-initialized sx1276 radio and starts fanning its received
// packets out to the Driver callback.
func NewLoRaAdapter(r *sx1276.Radio) *LoRaAdapter {
	a := &LoRaAdapter{radio: r}
	go a.pump()
	return a
}

func (a *LoRaAdapter) pump() {
	for pkt := range a.radio.RxChan {
		a.deliver(pkt.Payload, pkt.Rssi, float64(pkt.Snr))
	}
}

// SetSpreadingFactor reconfigures the radio's modem using the nearest matching entry in
// sx1276.Configs (see sfConfig).
func (a *LoRaAdapter) SetSpreadingFactor(sf adr.SF) error {
	name, ok := sfConfig[sf]
	if !ok {
		return ErrNotSupported
	}
	a.radio.SetConfig(name)
	return nil
}

// CarrierSense is unavailable on this driver: the sx1276 package doesn't expose channel-
// activity detection (CAD) as a public API, so this adapter always reports idle and leaves
// collision avoidance to the MAC's TDMA/backoff layer (spec §4.E degrades gracefully without
// carrier sense; it simply transmits immediately outside its own TDMA slot).
func (a *LoRaAdapter) CarrierSense() bool { return false }

// Send queues payload for transmission.
func (a *LoRaAdapter) Send(payload []byte) error {
	if err := a.radio.Error(); err != nil {
		return err
	}
	a.radio.TxChan <- payload
	return nil
}

// Close reports the radio's persistent error, if any; the teacher's sx1276 package has no
// explicit close, the SPI device owns that lifecycle.
func (a *LoRaAdapter) Close() error { return a.radio.Error() }
