// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package neighbor maintains the per-peer, per-interface link state table described in
// spec §4.C: a bounded slot array (per §9's guidance to avoid hand-coded LRU pointer
// chasing) owned exclusively by the scheduler loop.
package neighbor

import (
	"time"

	"github.com/tve/lorameshd/proto"
)

// Interface identifies one of the physical/logical links a neighbor may be reachable over.
type Interface byte

const (
	IfaceRadio Interface = 1 << iota
	IfaceShortRange
	IfaceLocalNet
	IfaceWideNet
)

// priority orders interfaces for the "preferred interface" tie-break (spec §4.C): not by
// signal quality, by a fixed priority order, radio first.
var priority = []Interface{IfaceRadio, IfaceShortRange, IfaceLocalNet, IfaceWideNet}

// Timeout is the default per-interface inactivity timeout (spec §3).
const Timeout = 5 * time.Minute

// linkState is the per-interface observation for one neighbor.
type linkState struct {
	present bool
	lastSeen time.Time
	rssi     int
	snr      float64
	count    uint64
}

// entry is one neighbor's full per-interface state, stored in a fixed slot.
type entry struct {
	valid bool
	peer  proto.Addr
	links [4]linkState // indexed by bit position of Interface
}

func ifaceIndex(iface Interface) int {
	switch iface {
	case IfaceRadio:
		return 0
	case IfaceShortRange:
		return 1
	case IfaceLocalNet:
		return 2
	case IfaceWideNet:
		return 3
	default:
		return -1
	}
}

// Table is the bounded neighbor table. It is not concurrency-safe; per spec §5 it is owned
// and mutated only by the scheduler loop.
type Table struct {
	slots []entry
	index map[proto.Addr]int
}

// NewTable creates a table bounded at capacity entries.
func NewTable(capacity int) *Table {
	return &Table{
		slots: make([]entry, capacity),
		index: make(map[proto.Addr]int, capacity),
	}
}

// View is a read-only snapshot of one neighbor returned by Iterate.
type View struct {
	Peer      proto.Addr
	Ifaces    Interface
	Preferred Interface
	RSSI      int
	SNR       float64
	Quality   byte
}

// Observe records a received frame's signal quality for peer on iface, inserting the
// neighbor if new. On insertion when the table is full, the slot whose newest per-interface
// timestamp is oldest (i.e. the least-recently-active neighbor overall) is reused.
func (t *Table) Observe(peer proto.Addr, iface Interface, rssi int, snr float64, now time.Time) {
	idx, ok := t.index[peer]
	if !ok {
		idx = t.allocSlot(peer)
	}
	s := &t.slots[idx]
	li := ifaceIndex(iface)
	if li < 0 {
		return
	}
	s.links[li] = linkState{present: true, lastSeen: now, rssi: rssi, snr: snr, count: s.links[li].count + 1}
}

// allocSlot finds a free slot for peer, or evicts the least-recently-active entry.
func (t *Table) allocSlot(peer proto.Addr) int {
	for i := range t.slots {
		if !t.slots[i].valid {
			t.slots[i] = entry{valid: true, peer: peer}
			t.index[peer] = i
			return i
		}
	}
	// Table full: evict the entry whose newest per-interface timestamp is oldest.
	oldest := -1
	var oldestTime time.Time
	for i := range t.slots {
		newest := t.slots[i].newestActivity()
		if oldest == -1 || newest.Before(oldestTime) {
			oldest = i
			oldestTime = newest
		}
	}
	delete(t.index, t.slots[oldest].peer)
	t.slots[oldest] = entry{valid: true, peer: peer}
	t.index[peer] = oldest
	return oldest
}

func (e *entry) newestActivity() time.Time {
	var newest time.Time
	for _, l := range e.links {
		if l.present && l.lastSeen.After(newest) {
			newest = l.lastSeen
		}
	}
	return newest
}

// IsNeighbor reports whether peer has at least one live interface.
func (t *Table) IsNeighbor(peer proto.Addr) bool {
	idx, ok := t.index[peer]
	if !ok {
		return false
	}
	return t.slots[idx].anyLive()
}

func (e *entry) anyLive() bool {
	for _, l := range e.links {
		if l.present {
			return true
		}
	}
	return false
}

// Iterate returns a snapshot view of every live neighbor.
func (t *Table) Iterate() []View {
	views := make([]View, 0, len(t.index))
	for _, idx := range t.index {
		e := &t.slots[idx]
		if !e.anyLive() {
			continue
		}
		views = append(views, viewOf(e))
	}
	return views
}

// Lookup returns the view for a single peer, if present.
func (t *Table) Lookup(peer proto.Addr) (View, bool) {
	idx, ok := t.index[peer]
	if !ok || !t.slots[idx].anyLive() {
		return View{}, false
	}
	return viewOf(&t.slots[idx]), true
}

func viewOf(e *entry) View {
	v := View{Peer: e.peer}
	var pref Interface
	var prefRSSI int
	var prefSNR float64
	for _, ifc := range priority {
		li := ifaceIndex(ifc)
		l := e.links[li]
		if !l.present {
			continue
		}
		v.Ifaces |= ifc
		if pref == 0 {
			pref = ifc
			prefRSSI, prefSNR = l.rssi, l.snr
		}
	}
	v.Preferred = pref
	v.RSSI = prefRSSI
	v.SNR = prefSNR
	v.Quality = Quality(prefRSSI, prefSNR)
	return v
}

// Quality blends RSSI in [-100,-50]dBm and SNR in [-10,+10]dB into a 0-255 score (spec §4.C).
func Quality(rssi int, snr float64) byte {
	rClamped := clampF(float64(rssi), -100, -50)
	sClamped := clampF(snr, -10, 10)
	rScore := (rClamped + 100) / 50  // 0..1
	sScore := (sClamped + 10) / 20   // 0..1
	blend := (rScore + sScore) / 2   // 0..1
	q := blend * 255
	if q < 0 {
		q = 0
	}
	if q > 255 {
		q = 255
	}
	return byte(q)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Expire drops interfaces whose last_seen predates now-Timeout, and drops the entry entirely
// once every interface is gone (spec §4.C).
func (t *Table) Expire(now time.Time) {
	cutoff := now.Add(-Timeout)
	for i := range t.slots {
		e := &t.slots[i]
		if !e.valid {
			continue
		}
		for li := range e.links {
			if e.links[li].present && e.links[li].lastSeen.Before(cutoff) {
				e.links[li] = linkState{}
			}
		}
		if e.valid && !e.anyLive() {
			delete(t.index, e.peer)
			*e = entry{}
		}
	}
}

// Len returns the number of live neighbor entries.
func (t *Table) Len() int { return len(t.index) }
