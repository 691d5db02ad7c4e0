// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package mac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBetterPrefersLowerKind(t *testing.T) {
	cur := TimeSource{Kind: TimeCrystal, Stratum: 0, Age: 0}
	cand := TimeSource{Kind: TimeGPS, Stratum: 0, Age: 0}
	assert.True(t, Better(cur, cand))
	assert.False(t, Better(cand, cur))
}

func TestBetterPrefersLowerStratumAtSameKind(t *testing.T) {
	cur := TimeSource{Kind: TimeMeshSynced, Stratum: 3, Age: 0}
	cand := TimeSource{Kind: TimeMeshSynced, Stratum: 1, Age: 0}
	assert.True(t, Better(cur, cand))
}

func TestBetterPrefersFresherAtSameKindStratum(t *testing.T) {
	cur := TimeSource{Kind: TimeMeshSynced, Stratum: 1, Age: 10 * time.Second}
	cand := TimeSource{Kind: TimeMeshSynced, Stratum: 1, Age: 1 * time.Second}
	assert.True(t, Better(cur, cand))
}

func TestAdoptTimeSyncTransitionsToTDMA(t *testing.T) {
	m := New(DefaultConfig(), nil)
	assert.Equal(t, StateCSMAOnly, m.State())

	ok := m.AdoptTimeSync(42, TimeGPS, 0, 100, 3)
	assert.True(t, ok)
	assert.Equal(t, StateTDMASynced, m.State())
}

func TestMACFailoverOnAgeDecay(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.AdoptTimeSync(42, TimeGPS, 0, 0, 0)
	assert.Equal(t, StateTDMASynced, m.State())

	m.Tick(MaxAge + time.Second)
	assert.Equal(t, StateCSMAOnly, m.State())
}

func TestMACReadoptsNewerAuthoritativeSource(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.AdoptTimeSync(42, TimeGPS, 0, 0, 0)
	m.Tick(MaxAge + time.Second) // decays back to CSMA_ONLY
	assert.Equal(t, StateCSMAOnly, m.State())

	ok := m.AdoptTimeSync(7, TimeGPS, 0, 500, 1)
	assert.True(t, ok)
	assert.Equal(t, StateTDMASynced, m.State())
}

func TestSetEnabledFalseForcesCSMAAndBlocksAdoption(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.AdoptTimeSync(42, TimeGPS, 0, 100, 3)
	assert.Equal(t, StateTDMASynced, m.State())

	m.SetEnabled(false)
	assert.Equal(t, StateCSMAOnly, m.State())

	ok := m.AdoptTimeSync(42, TimeGPS, 0, 200, 4)
	assert.False(t, ok, "a disabled MAC must not adopt a new time sync")
	assert.Equal(t, StateCSMAOnly, m.State())

	m.SetEnabled(true)
	ok = m.AdoptTimeSync(42, TimeGPS, 0, 200, 4)
	assert.True(t, ok, "re-enabling must allow sync adoption again")
	assert.Equal(t, StateTDMASynced, m.State())
}

func TestTimeSyncMessageReflectsSelf(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.AdoptTimeSync(42, TimeGPS, 0, 100, 3)

	kind, stratum, frameCounter, slotCounter := m.TimeSyncMessage()
	assert.Equal(t, TimeGPS, kind)
	assert.Equal(t, byte(1), stratum)
	assert.Equal(t, uint32(100), frameCounter)
	assert.Equal(t, uint16(3), slotCounter)
}

func TestTransmitGateOwnSlotGoesImmediately(t *testing.T) {
	m := New(DefaultConfig(), func() bool { return true }) // channel busy
	m.AdoptTimeSync(1, TimeGPS, 0, 0, 0)
	m.AssignSlot(0)
	// slotCounter starts at 0, so CurrentSlot() == 0 == ownSlot
	decision, _ := m.TransmitGate(0)
	assert.Equal(t, TxNow, decision)
}

func TestTransmitGateBacksOffWhenBusy(t *testing.T) {
	busy := true
	m := New(DefaultConfig(), func() bool { return busy })
	decision, wait := m.TransmitGate(0)
	assert.Equal(t, TxBackoff, decision)
	assert.True(t, wait >= 0)
}

func TestTransmitGateFailsAfterMaxRetries(t *testing.T) {
	m := New(DefaultConfig(), func() bool { return true })
	decision, _ := m.TransmitGate(m.cfg.MaxRetries)
	assert.Equal(t, TxFail, decision)
}

func TestTransmitGateIdleGoesImmediately(t *testing.T) {
	m := New(DefaultConfig(), func() bool { return false })
	decision, _ := m.TransmitGate(0)
	assert.Equal(t, TxNow, decision)
}

func TestNoSimultaneousTransmitSameSlot(t *testing.T) {
	// Two nodes synced to the same time source with the same own-slot assignment must not
	// both resolve TxNow for different slots: CurrentSlot() is derived from the shared
	// slotCounter so they agree modulo the SlotGuard drift bound (spec §8 property 10).
	a := New(DefaultConfig(), nil)
	b := New(DefaultConfig(), nil)
	a.AdoptTimeSync(9, TimeGPS, 0, 40, 5)
	b.AdoptTimeSync(9, TimeGPS, 0, 40, 5)
	assert.Equal(t, a.CurrentSlot(), b.CurrentSlot())
}
