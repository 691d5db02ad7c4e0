// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package telemetry implements periodic sensor sampling feeding TELEMETRY packets (spec §4.H
// "supplemented feature"): it adapts the teacher's max31855 thermocouple driver into a node
// sensor source and encodes samples with the teacher's varint package, the same compact
// encoding the original firmware uses for its own sensor payloads.
package telemetry

import (
	"time"

	"github.com/tve/lorameshd/max31855"
	"github.com/tve/lorameshd/varint"
)

// Source reads one or more sensor channels and returns their current integer readings
// (millidegrees, raw ADC counts, whatever the sensor's native unit is), so the sampler stays
// sensor-agnostic. ThermocoupleSource adapts the teacher's max31855 driver to this.
type Source interface {
	Sample() ([]int, error)
}

// ThermocoupleSource adapts a MAX31855 device (teacher's max31855 package) into a Source that
// reports (thermocouple millidegrees C, internal junction millidegrees C).
type ThermocoupleSource struct {
	Dev *max31855.Dev
}

// Sample reads the thermocouple and internal junction temperatures, both already scaled by
// 1000 per the teacher's devices.Celsius convention.
func (t ThermocoupleSource) Sample() ([]int, error) {
	thermC, intC, err := t.Dev.Temperature()
	if err != nil {
		return nil, err
	}
	return []int{int(thermC), int(intC)}, nil
}

// Sampler periodically samples every registered Source and encodes the readings into a
// TELEMETRY payload (spec §4.H). It is driven by the scheduler loop's Tick, not its own
// goroutine, keeping it inside the single-threaded cooperative model (spec §4.I).
type Sampler struct {
	Interval time.Duration
	sources  map[byte]Source
	last     time.Time
}

// NewSampler creates a sampler with the given sampling interval.
func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{Interval: interval, sources: make(map[byte]Source)}
}

// Register associates a channel id with a sensor source.
func (s *Sampler) Register(channel byte, src Source) {
	s.sources[channel] = src
}

// Due reports whether enough time has elapsed to take a new sample set.
func (s *Sampler) Due(now time.Time) bool {
	return now.Sub(s.last) >= s.Interval
}

// Sample reads every registered source and returns a TELEMETRY payload: one byte channel id
// followed by that channel's varint-encoded readings, repeated per channel. Read errors skip
// that channel's contribution rather than failing the whole payload, since a field deployment
// may have sensors come and go.
func (s *Sampler) Sample(now time.Time) []byte {
	s.last = now
	var out []byte
	for ch, src := range s.sources {
		vals, err := src.Sample()
		if err != nil {
			continue
		}
		out = append(out, ch)
		encoded := varint.Encode(vals)
		out = append(out, byte(len(encoded)))
		out = append(out, encoded...)
	}
	return out
}

// Decode parses a TELEMETRY payload back into per-channel integer readings.
func Decode(payload []byte) map[byte][]int {
	out := make(map[byte][]int)
	i := 0
	for i < len(payload) {
		ch := payload[i]
		i++
		if i >= len(payload) {
			break
		}
		n := int(payload[i])
		i++
		if i+n > len(payload) {
			break
		}
		out[ch] = varint.Decode(payload[i : i+n])
		i += n
	}
	return out
}
