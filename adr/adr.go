// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package adr implements per-link adaptive data rate: spreading-factor recommendation,
// hysteresis, negotiation, and a network scan helper (spec §4.D). The threshold table
// mirrors the teacher's table-driven modem configuration style (sx1276.Configs).
package adr

import "github.com/tve/lorameshd/proto"

// SF is a LoRa spreading factor, 7 (fastest) through 12 (longest range).
type SF byte

const (
	SF7  SF = 7
	SF8  SF = 8
	SF9  SF = 9
	SF10 SF = 10
	SF11 SF = 11
	SF12 SF = 12
)

// threshold is one row of the SF selection table (spec §4.D).
type threshold struct {
	sf       SF
	minRSSI  float64
	minSNR   float64
}

// Table is the design-default threshold table; implementations may tune it, so it is a var.
var Table = []threshold{
	{SF7, -70, 8},
	{SF8, -85, 5},
	{SF9, -100, 0},
	{SF10, -110, -5},
	{SF11, -120, -10},
	{SF12, -140, -15},
}

// Hysteresis is the default dB margin required to decrease SF (go faster), spec §4.D step 3.
const Hysteresis = 5.0

// MinSamples is the minimum rolling-window observation count before hysteresis-gated SF
// decreases are considered (spec §4.D step 3).
const MinSamples = 2

// window is a tiny rolling average of the last few RSSI/SNR samples for one link.
type window struct {
	rssiSum, snrSum float64
	count           int
}

func (w *window) add(rssi, snr float64) {
	// A plain running average is sufficient here: ADR recommendations only need a stable
	// recent trend, not a bounded sliding window; ticks that matter are seconds apart.
	w.rssiSum += rssi
	w.snrSum += snr
	w.count++
}

func (w *window) avg() (rssi, snr float64) {
	if w.count == 0 {
		return 0, 0
	}
	return w.rssiSum / float64(w.count), w.snrSum / float64(w.count)
}

// Link holds the per-peer ADR state (spec §3 "ADR Per-Link State").
type Link struct {
	Peer proto.Addr

	win window

	CurrentSF         SF
	RecommendedSF     SF
	PeerPreferredSF   SF // 0 means unknown
	NegotiatedSF      SF

	Successes, Attempts uint64
}

// NewLink creates fresh ADR state for a peer, starting conservatively at SF12.
func NewLink(peer proto.Addr) *Link {
	return &Link{Peer: peer, CurrentSF: SF12, RecommendedSF: SF12, NegotiatedSF: SF12}
}

// Observe folds one more RSSI/SNR sample into the link's rolling window.
func (l *Link) Observe(rssi, snr float64) {
	l.win.add(rssi, snr)
}

// Recompute applies spec §4.D's algorithm: compute the lowest SF whose thresholds are met,
// then apply hysteresis before lowering SF. Requires at least MinSamples observations.
// Calling Recompute repeatedly with the same signal (idempotence, spec §8 property 6) leaves
// RecommendedSF unchanged because the hysteresis check below compares against the table, not
// against a moving target.
func (l *Link) Recompute() {
	if l.win.count < MinSamples {
		return
	}
	rssi, snr := l.win.avg()

	best := SF12
	for _, row := range Table {
		if rssi >= row.minRSSI && snr >= row.minSNR {
			best = row.sf
			break
		}
	}

	switch {
	case best < l.RecommendedSF:
		// Decreasing SF (going faster) requires a safety margin above the new threshold.
		row := rowFor(best)
		if rssi >= row.minRSSI+Hysteresis {
			l.RecommendedSF = best
		}
	case best > l.RecommendedSF:
		// Increasing SF (going slower) happens immediately, for safety.
		l.RecommendedSF = best
	}
}

func rowFor(sf SF) threshold {
	for _, row := range Table {
		if row.sf == sf {
			return row
		}
	}
	return Table[len(Table)-1]
}

// Negotiate computes the negotiated SF from our recommendation and the peer's advertised
// preference (spec §4.D step 4). Both sides converge in at most one exchange each direction
// because both apply max(); see spec §8 property 7.
func (l *Link) Negotiate() SF {
	if l.PeerPreferredSF == 0 {
		guess := l.RecommendedSF + 1
		if guess > SF12 {
			guess = SF12
		}
		l.NegotiatedSF = maxSF(l.RecommendedSF, guess)
		return l.NegotiatedSF
	}
	l.NegotiatedSF = maxSF(l.RecommendedSF, l.PeerPreferredSF)
	return l.NegotiatedSF
}

// SetPeerPreference records the peer's advertised preferred SF (from a BEACON/ADRAdvert).
func (l *Link) SetPeerPreference(sf SF) { l.PeerPreferredSF = sf }

func maxSF(a, b SF) SF {
	if a > b {
		return a
	}
	return b
}

// RecordAttempt tallies a transmission attempt and, if it succeeded, a success, for link
// quality bookkeeping consumed by routing's score function.
func (l *Link) RecordAttempt(success bool) {
	l.Attempts++
	if success {
		l.Successes++
	}
}
