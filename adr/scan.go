// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package adr

import "time"

// ScanDwell is the default per-SF dwell duration for a network scan (spec §4.D).
const ScanDwell = 5 * time.Second

// SFChange is the side channel the scan (and Link.Negotiate) uses to push a spreading-factor
// change out to the radio driver, per spec §4.D's "sf_change side channel" requirement.
type SFChange struct {
	SF SF
}

// ScanResult accumulates the frame count and best RSSI heard at each SF during a dwell.
type ScanResult struct {
	SF        SF
	Frames    int
	BestRSSI  int
}

// Scanner drives a network scan: iterate SF7..SF12, dwell at each, count frames heard, and
// pick the SF with the most frames (tie-break: best RSSI), per spec §4.D. The caller supplies
// setSF (radio control) and a channel of heard-frame RSSI samples for the current dwell.
type Scanner struct {
	SetSF    func(SF) error
	SFChange chan<- SFChange
}

// Dwell runs one SF's measurement window, counting samples delivered on heard until dwell
// elapses. It is a small, synchronous helper; the scheduler loop (§4.I) drives the clock.
func (s *Scanner) Dwell(sf SF, dwell time.Duration, heard <-chan int, now func() time.Time) ScanResult {
	if s.SetSF != nil {
		_ = s.SetSF(sf)
	}
	res := ScanResult{SF: sf, BestRSSI: -200}
	deadline := now().Add(dwell)
	for now().Before(deadline) {
		select {
		case rssi := <-heard:
			res.Frames++
			if rssi > res.BestRSSI {
				res.BestRSSI = rssi
			}
		default:
		}
	}
	return res
}

// Best picks the SF with the most frames heard, tie-broken by best RSSI (spec §4.D).
func Best(results []ScanResult) SF {
	if len(results) == 0 {
		return SF12
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Frames > best.Frames || (r.Frames == best.Frames && r.BestRSSI > best.BestRSSI) {
			best = r
		}
	}
	return best.SF
}

// Apply sends the chosen SF out the sf_change side channel for the radio driver to apply.
func (s *Scanner) Apply(sf SF) {
	if s.SFChange != nil {
		select {
		case s.SFChange <- SFChange{SF: sf}:
		default:
		}
	}
}
