// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package main

import (
	"fmt"
	"strconv"

	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi/spireg"

	"github.com/tve/lorameshd/devices"
	"github.com/tve/lorameshd/neighbor"
	"github.com/tve/lorameshd/radio"
	"github.com/tve/lorameshd/sx1231"
	"github.com/tve/lorameshd/sx1276"
)

// openRadio builds one radio.Driver (plus the neighbor interface it should be filed under)
// from a RadioConfig, grounded on the teacher's cmd/mqttradio/raw.go startRadio dispatch (spi
// bus/cs -> device type -> adapter), trimmed to the three driver kinds this mesh supports.
func openRadio(cfg RadioConfig, logf func(string, ...interface{})) (radio.Driver, neighbor.Interface, error) {
	switch cfg.Type {
	case "loopback":
		a, _ := radio.NewLoopbackPair(-60, 10)
		return a, neighbor.IfaceRadio, nil

	case "lora.sx1276":
		dev, err := spireg.Open(fmt.Sprintf("SPI%d.%d", cfg.SpiBus, cfg.SpiCS))
		if err != nil {
			return nil, 0, fmt.Errorf("meshd: cannot open SPI for lora radio: %w", err)
		}
		intr := gpioreg.ByName(cfg.IntrPin)
		if intr == nil {
			return nil, 0, fmt.Errorf("meshd: cannot open interrupt pin %s", cfg.IntrPin)
		}
		sync, err := parseSyncByte(cfg.Sync)
		if err != nil {
			return nil, 0, err
		}
		r, err := sx1276.New(dev, intr, sx1276.RadioOpts{
			Sync:   sync,
			Freq:   uint32(cfg.Freq),
			Config: cfg.Rate,
			Logger: sx1276.LogPrintf(logf),
		})
		if err != nil {
			return nil, 0, fmt.Errorf("meshd: cannot init lora radio: %w", err)
		}
		r.SetPower(byte(cfg.Power))
		return radio.NewLoRaAdapter(r), neighbor.IfaceRadio, nil

	case "fsk.sx1231":
		spiDev := devices.NewSPI()
		intr := devices.NewGPIO(cfg.IntrPin)
		if intr == nil {
			return nil, 0, fmt.Errorf("meshd: cannot open interrupt pin %s", cfg.IntrPin)
		}
		rate, err := strconv.ParseUint(cfg.Rate, 0, 32)
		if err != nil {
			return nil, 0, fmt.Errorf("meshd: cannot parse fsk rate %q: %w", cfg.Rate, err)
		}
		sync, err := parseSyncBytes(cfg.Sync)
		if err != nil {
			return nil, 0, err
		}
		r, err := sx1231.New(spiDev, intr, sx1231.RadioOpts{
			Sync:   sync,
			Freq:   uint32(cfg.Freq),
			Rate:   uint32(rate),
			Logger: sx1231.LogPrintf(logf),
		})
		if err != nil {
			return nil, 0, fmt.Errorf("meshd: cannot init fsk radio: %w", err)
		}
		r.SetPower(byte(cfg.Power))
		return radio.NewFSKAdapter(r), neighbor.IfaceShortRange, nil

	default:
		return nil, 0, fmt.Errorf("meshd: unknown radio type %q", cfg.Type)
	}
}

func parseSyncByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("meshd: cannot parse sync byte %q: %w", s, err)
	}
	return byte(v), nil
}

func parseSyncBytes(s string) ([]byte, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("meshd: cannot parse sync bytes %q: %w", s, err)
	}
	var out []byte
	for v > 0 {
		out = append([]byte{byte(v)}, out...)
		v >>= 8
	}
	if len(out) == 0 {
		out = []byte{0}
	}
	return out, nil
}
