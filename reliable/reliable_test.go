// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package reliable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tve/lorameshd/proto"
)

func TestEstimatorPrimesOnFirstSample(t *testing.T) {
	e := NewEstimator()
	e.Sample(500 * time.Millisecond)
	assert.InDelta(t, 0.5, e.srtt, 1e-9)
}

func TestEstimatorRTOClampedToMin(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < 20; i++ {
		e.Sample(10 * time.Millisecond)
	}
	assert.Equal(t, MinRTO, e.RTO())
}

func TestEstimatorRTOClampedToMax(t *testing.T) {
	e := NewEstimator()
	e.Sample(100 * time.Second)
	assert.Equal(t, MaxRTO, e.RTO())
}

func TestTrackReportsSentOutcome(t *testing.T) {
	m := NewManager()
	var got Outcome
	m.OnOutcome = func(id uint16, dest proto.Addr, o Outcome) { got = o }
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, time.Now())
	assert.Equal(t, OutcomeSent, got)
	assert.Equal(t, 1, m.Outstanding())
}

func TestAckResolvesPendingAndSamplesRTT(t *testing.T) {
	m := NewManager()
	var got Outcome
	m.OnOutcome = func(id uint16, dest proto.Addr, o Outcome) { got = o }
	now := time.Now()
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, now)
	m.Ack(1, now.Add(300*time.Millisecond))
	assert.Equal(t, OutcomeAcked, got)
	assert.Equal(t, 0, m.Outstanding())
}

func TestDuplicateAckIsIgnored(t *testing.T) {
	m := NewManager()
	calls := 0
	m.OnOutcome = func(id uint16, dest proto.Addr, o Outcome) { calls++ }
	now := time.Now()
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, now)
	m.Ack(1, now)
	m.Ack(1, now) // late duplicate
	assert.Equal(t, 1, calls)
}

func TestTickRetransmitsBeforeExhaustingRetries(t *testing.T) {
	m := NewManager()
	sends := 0
	m.Send = func(h proto.Header, payload []byte, nextHop proto.Addr) { sends++ }
	now := time.Now()
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, now)
	m.Tick(now.Add(MinRTO + time.Second))
	assert.Equal(t, 1, sends)
	assert.Equal(t, 1, m.Outstanding())
}

func TestTickFailsAfterMaxRetries(t *testing.T) {
	m := NewManager()
	m.MaxRetries = 2
	var got Outcome
	m.OnOutcome = func(id uint16, dest proto.Addr, o Outcome) { got = o }
	now := time.Now()
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, now)
	now = now.Add(MinRTO + time.Second)
	m.Tick(now) // attempt 2
	now = now.Add(MinRTO + time.Second)
	m.Tick(now) // exhausted
	assert.Equal(t, OutcomeFailed, got)
	assert.Equal(t, 0, m.Outstanding())
}

func TestNoRouteFailsWithoutConsumingRetry(t *testing.T) {
	m := NewManager()
	var got Outcome
	m.OnOutcome = func(id uint16, dest proto.Addr, o Outcome) { got = o }
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, time.Now())
	m.NoRoute(1)
	assert.Equal(t, OutcomeNoRoute, got)
	assert.Equal(t, 0, m.Outstanding())
}

func TestHasRoomRespectsWindow(t *testing.T) {
	m := NewManager()
	m.Window = 2
	now := time.Now()
	m.Track(proto.Header{PacketID: 1}, nil, 10, 20, now)
	assert.True(t, m.HasRoom())
	m.Track(proto.Header{PacketID: 2}, nil, 11, 20, now)
	assert.False(t, m.HasRoom())
}
