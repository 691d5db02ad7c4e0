// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package mac implements the hybrid TDMA/CSMA medium access layer described in spec §4.E:
// a time-synchronized slotted frame overlaid on carrier-sense multiple access with
// exponential backoff, plus the time-source election that decides when TDMA is usable.
// Time-source comparison follows the best-master-clock idiom used by facebook-time's
// ptp/sptp/client/bmca.go: compare candidates pairwise, keep the better one.
package mac

import (
	"math/rand"
	"time"
)

// State is the MAC's current mode.
type State byte

const (
	StateCSMAOnly State = iota
	StateTDMASynced
)

func (s State) String() string {
	if s == StateTDMASynced {
		return "TDMA_SYNCED"
	}
	return "CSMA_ONLY"
}

// TimeKind orders time sources, lowest is best (spec §4.E).
type TimeKind byte

const (
	TimeGPS TimeKind = iota
	TimeNTP
	TimeHost
	TimeMeshSynced
	TimeCrystal
)

// TimeSource describes a candidate time source: its kind, stratum (hops from an authoritative
// source), and age (how stale the last update is).
type TimeSource struct {
	Kind    TimeKind
	Stratum byte
	Age     time.Duration
}

// Better reports whether candidate c should be adopted over the current source cur: c's
// (kind, stratum) is strictly better, or equal and fresher (spec §4.E).
func Better(cur, c TimeSource) bool {
	if c.Kind != cur.Kind {
		return c.Kind < cur.Kind
	}
	if c.Stratum != cur.Stratum {
		return c.Stratum < cur.Stratum
	}
	return c.Age < cur.Age
}

// MaxAge is the time-quality threshold beyond which the MAC falls back to CSMA_ONLY.
const MaxAge = 60 * time.Second

// MaxStratum bounds how many hops from an authoritative source TDMA sync remains usable.
const MaxStratum = 8

// Config bounds the hybrid MAC's slotting and backoff behavior.
type Config struct {
	Slots        int           // N slots per frame
	SlotDuration time.Duration // fixed slot duration
	BaseBackoff  time.Duration // base unit for exponential backoff
	MaxBackoffK  int           // cap on the exponential backoff exponent
	MaxRetries   int           // M busy observations before giving up
	SlotGuard    time.Duration // clock-drift guard band for slot-collision safety (spec §8 prop 10)
}

// DefaultConfig returns the design defaults.
func DefaultConfig() Config {
	return Config{
		Slots:        16,
		SlotDuration: 200 * time.Millisecond,
		BaseBackoff:  20 * time.Millisecond,
		MaxBackoffK:  5,
		MaxRetries:   4,
		SlotGuard:    10 * time.Millisecond,
	}
}

// CarrierSense reports instantaneous channel state, implemented by the radio driver (§6.1).
type CarrierSense func() (busy bool)

// MAC owns the frame/slot counters, time-source election state, and transmit gating.
type MAC struct {
	cfg Config

	state State

	frameCounter uint32
	slotCounter  uint16
	ownSlot      int // -1 if unassigned

	self      TimeSource
	timeParent *uint32 // node address of adopted time source, nil if self-authoritative
	disabled  bool     // operator `mac off`: force CSMA_ONLY, ignore sync offers

	sense CarrierSense
	rng   *rand.Rand
}

// New creates a MAC instance in CSMA_ONLY state with no slot assignment.
func New(cfg Config, sense CarrierSense) *MAC {
	return &MAC{
		cfg:     cfg,
		state:   StateCSMAOnly,
		ownSlot: -1,
		self:    TimeSource{Kind: TimeCrystal, Stratum: MaxStratum, Age: 0},
		sense:   sense,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// State returns the current MAC state.
func (m *MAC) State() State { return m.state }

// SetEnabled toggles whether TDMA may be used at all (operator `mac on|off`, spec §6.4).
// Disabling forces CSMA_ONLY immediately and blocks further sync adoption until re-enabled.
func (m *MAC) SetEnabled(on bool) {
	m.disabled = !on
	if m.disabled {
		m.state = StateCSMAOnly
		m.timeParent = nil
	}
}

// AssignSlot sets the node's own TDMA slot (e.g. derived from its address modulo N).
func (m *MAC) AssignSlot(slot int) { m.ownSlot = slot % m.cfg.Slots }

// CurrentSlot returns the slot counter modulo the frame size.
func (m *MAC) CurrentSlot() int { return int(m.slotCounter) % m.cfg.Slots }

// Tick advances the frame/slot counters by one slot duration's worth of elapsed time,
// called from the scheduler loop (spec §4.I). It also re-evaluates time quality and may
// transition TDMA_SYNCED -> CSMA_ONLY if quality has decayed (spec §4.E transitions).
func (m *MAC) Tick(elapsed time.Duration) {
	m.self.Age += elapsed
	steps := int(elapsed / m.cfg.SlotDuration)
	for i := 0; i < steps; i++ {
		m.slotCounter++
		if int(m.slotCounter)%m.cfg.Slots == 0 {
			m.frameCounter++
		}
	}
	if m.state == StateTDMASynced && !m.timeAcceptable(m.self) {
		m.state = StateCSMAOnly
		m.timeParent = nil
	}
}

func (m *MAC) timeAcceptable(ts TimeSource) bool {
	return ts.Age <= MaxAge && ts.Stratum <= MaxStratum
}

// AdoptTimeSync evaluates a received TIME_SYNC message (spec §4.E): the sender's hop-derived
// stratum is remote.Stratum+1; if Better(self, candidate), adopt it, record the sender as our
// time parent, and (if not already) transition CSMA_ONLY -> TDMA_SYNCED.
func (m *MAC) AdoptTimeSync(sender uint32, remoteKind TimeKind, remoteStratum byte, frameCounter uint32, slotCounter uint16) bool {
	if m.disabled {
		return false
	}
	candidate := TimeSource{Kind: remoteKind, Stratum: remoteStratum + 1, Age: 0}
	if candidate.Stratum < remoteStratum {
		candidate.Stratum = 255 // overflow guard, treat as worst
	}
	if !m.timeAcceptable(candidate) {
		return false
	}
	if !Better(m.self, candidate) {
		return false
	}
	m.self = candidate
	m.frameCounter = frameCounter
	m.slotCounter = slotCounter
	m.timeParent = &sender
	if m.state == StateCSMAOnly {
		m.state = StateTDMASynced
	}
	return true
}

// SetAuthoritativeTime installs a locally-authoritative time source (GPS fix, operator
// `time` command, host-supplied UTC), which always beats a mesh-derived one at the same
// stratum since GPS/NTP/HOST sort ahead of MESH_SYNCED/CRYSTAL.
func (m *MAC) SetAuthoritativeTime(kind TimeKind) {
	if m.disabled {
		return
	}
	candidate := TimeSource{Kind: kind, Stratum: 0, Age: 0}
	if Better(m.self, candidate) || m.self.Kind == TimeCrystal {
		m.self = candidate
		m.timeParent = nil
		if m.state == StateCSMAOnly {
			m.state = StateTDMASynced
		}
	}
}

// TimeSyncMessage returns the payload to broadcast periodically (spec §4.E), recording this
// node as the time source its neighbors would adopt from (kind/stratum/counters).
func (m *MAC) TimeSyncMessage() (kind TimeKind, stratum byte, frameCounter uint32, slotCounter uint16) {
	return m.self.Kind, m.self.Stratum, m.frameCounter, m.slotCounter
}

// TxDecision is the outcome of the transmit gate for one outbound packet.
type TxDecision int

const (
	TxNow TxDecision = iota
	TxBackoff
	TxFail
)

// TransmitGate implements spec §4.E's per-outbound-packet gate: if TDMA_SYNCED and it's our
// own slot, go immediately; otherwise carrier-sense, backing off up to MaxRetries times.
// attempt is the 0-based retry count so far for this packet.
func (m *MAC) TransmitGate(attempt int) (TxDecision, time.Duration) {
	if m.state == StateTDMASynced && m.ownSlot >= 0 && m.CurrentSlot() == m.ownSlot {
		return TxNow, 0
	}
	if m.sense == nil || !m.sense() {
		return TxNow, 0
	}
	if attempt >= m.cfg.MaxRetries {
		return TxFail, 0
	}
	k := attempt
	if k > m.cfg.MaxBackoffK {
		k = m.cfg.MaxBackoffK
	}
	maxBackoff := m.cfg.BaseBackoff * time.Duration(1<<uint(k))
	wait := time.Duration(m.rng.Int63n(int64(maxBackoff) + 1))
	return TxBackoff, wait
}
