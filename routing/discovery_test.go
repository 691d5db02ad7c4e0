// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tve/lorameshd/proto"
)

func TestUnicastTTLCappedAtMax(t *testing.T) {
	assert.Equal(t, byte(MaxTTL), UnicastTTL(20))
	assert.Equal(t, byte(5), UnicastTTL(3))
}

func TestDiscoverEmitsBroadcastRouteReq(t *testing.T) {
	e := NewEngine(1, NewTable(DefaultCapacity))
	out := e.Discover(99, time.Now())
	assert.NotNil(t, out)
	assert.Equal(t, proto.TypeRouteReq, out.Header.Type)
	assert.Equal(t, proto.AddrBroadcast, out.Header.Destination)
}

func TestDiscoverSuppressesDuplicateOutstandingRequest(t *testing.T) {
	e := NewEngine(1, NewTable(DefaultCapacity))
	first := e.Discover(99, time.Now())
	second := e.Discover(99, time.Now())
	assert.NotNil(t, first)
	assert.Nil(t, second)
}

func TestDestinationRepliesDirectlyToRouteReq(t *testing.T) {
	dest := NewEngine(3, NewTable(DefaultCapacity))
	req := proto.RouteReq{RequestID: 1, Originator: 1, Destination: 3, HopCount: 2}
	outs := dest.HandleRouteReq(2, req, time.Now())
	assert.Len(t, outs, 1)
	assert.Equal(t, proto.TypeRouteRep, outs[0].Header.Type)
	rep, err := proto.DecodeRouteRep(outs[0].Payload)
	assert.NoError(t, err)
	assert.Equal(t, proto.Addr(1), rep.Originator)
	assert.Equal(t, proto.Addr(3), rep.Destination)
}

func TestRelayRebroadcastsUnknownRouteReq(t *testing.T) {
	relay := NewEngine(2, NewTable(DefaultCapacity))
	req := proto.RouteReq{RequestID: 1, Originator: 1, Destination: 3, HopCount: 0}
	outs := relay.HandleRouteReq(1, req, time.Now())
	assert.Len(t, outs, 1)
	assert.Equal(t, proto.TypeRouteReq, outs[0].Header.Type)
	fwd, err := proto.DecodeRouteReq(outs[0].Payload)
	assert.NoError(t, err)
	assert.Equal(t, byte(1), fwd.HopCount)
	assert.True(t, outs[0].Delay >= RebroadcastJitterMin && outs[0].Delay < RebroadcastJitterMax)
}

func TestDuplicateRouteReqIsDropped(t *testing.T) {
	relay := NewEngine(2, NewTable(DefaultCapacity))
	req := proto.RouteReq{RequestID: 1, Originator: 1, Destination: 3, HopCount: 0}
	first := relay.HandleRouteReq(1, req, time.Now())
	second := relay.HandleRouteReq(1, req, time.Now())
	assert.Len(t, first, 1)
	assert.Nil(t, second)
}

func TestOriginatorConsumesRouteRepAndInstallsForwardRoute(t *testing.T) {
	origin := NewEngine(1, NewTable(DefaultCapacity))
	origin.Discover(3, time.Now())
	rep := proto.RouteRep{RequestID: 1, Originator: 1, Destination: 3, HopCount: 1, Quality: 200}
	outs := origin.HandleRouteRep(2, rep, time.Now())
	assert.Nil(t, outs)
	r, ok := origin.Table.Primary(3)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(2), r.NextHop)
}

func TestRelayForwardsRouteRepAlongReversePath(t *testing.T) {
	relay := NewEngine(2, NewTable(DefaultCapacity))
	now := time.Now()
	// reverse path to originator 1 was installed while relaying the ROUTE_REQ
	relay.Table.Upsert(1, 0 /* heard directly from originator iface */, 1, 200, now)
	rep := proto.RouteRep{RequestID: 1, Originator: 1, Destination: 3, HopCount: 0, Quality: 255}
	outs := relay.HandleRouteRep(3, rep, now)
	assert.Len(t, outs, 1)
	assert.Equal(t, proto.TypeRouteRep, outs[0].Header.Type)
	assert.Equal(t, proto.Addr(1), outs[0].Header.Destination)
}

func TestMultiHopDiscoveryEndToEnd(t *testing.T) {
	now := time.Now()
	a := NewEngine(1, NewTable(DefaultCapacity)) // originator
	b := NewEngine(2, NewTable(DefaultCapacity)) // relay
	c := NewEngine(3, NewTable(DefaultCapacity)) // destination

	reqOut := a.Discover(3, now)
	req, err := proto.DecodeRouteReq(reqOut.Payload)
	assert.NoError(t, err)

	relayOuts := b.HandleRouteReq(1, req, now)
	assert.Len(t, relayOuts, 1)
	fwdReq, err := proto.DecodeRouteReq(relayOuts[0].Payload)
	assert.NoError(t, err)

	destOuts := c.HandleRouteReq(2, fwdReq, now)
	assert.Len(t, destOuts, 1)
	rep, err := proto.DecodeRouteRep(destOuts[0].Payload)
	assert.NoError(t, err)

	relayRepOuts := b.HandleRouteRep(3, rep, now)
	assert.Len(t, relayRepOuts, 1)
	fwdRep, err := proto.DecodeRouteRep(relayRepOuts[0].Payload)
	assert.NoError(t, err)

	originOuts := a.HandleRouteRep(2, fwdRep, now)
	assert.Nil(t, originOuts)

	r, ok := a.Table.Primary(3)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(2), r.NextHop)
}

func TestReportFailureDemotesAndEmitsRouteErr(t *testing.T) {
	e := NewEngine(1, NewTable(DefaultCapacity))
	now := time.Now()
	e.Table.Upsert(10, 20, 2, 100, now)
	out := e.ReportFailure(10, 20)
	assert.Equal(t, proto.TypeRouteErr, out.Header.Type)
	_, ok := e.Table.Primary(10)
	assert.False(t, ok)
}

func TestHandleRouteErrInvalidatesRouteViaFailedHop(t *testing.T) {
	e := NewEngine(1, NewTable(DefaultCapacity))
	now := time.Now()
	e.Table.Upsert(10, 20, 2, 100, now)
	e.HandleRouteErr(proto.RouteErr{Unreachable: 10, FailedHop: 20}, now)
	_, ok := e.Table.Primary(10)
	assert.False(t, ok)
}

func TestForwardRejectsDuplicateAndExpiredTTL(t *testing.T) {
	e := NewEngine(2, NewTable(DefaultCapacity))
	now := time.Now()
	e.Table.Upsert(3, 3, 1, 200, now)
	p := &proto.Packet{Header: proto.Header{Source: 1, Destination: 3, TTL: 5, PacketID: 7}}

	_, err := e.Forward(p, now)
	assert.NoError(t, err)
	_, err = e.Forward(p, now)
	assert.Equal(t, ErrDuplicate, err)

	expired := &proto.Packet{Header: proto.Header{Source: 1, Destination: 3, TTL: 1, PacketID: 8}}
	_, err = e.Forward(expired, now)
	assert.Equal(t, ErrTTLExpired, err)
}

func TestForwardBroadcastReflood(t *testing.T) {
	e := NewEngine(2, NewTable(DefaultCapacity))
	now := time.Now()
	p := &proto.Packet{Header: proto.Header{Source: 1, Destination: proto.AddrBroadcast, TTL: 5,
		Flags: proto.FlagBroadcast, PacketID: 1}}
	out, err := e.Forward(p, now)
	assert.NoError(t, err)
	assert.Equal(t, byte(4), out.Header.TTL)
	assert.True(t, out.Header.HasFlag(proto.FlagRetransmit))
}

func TestForwardUnicastNoRoute(t *testing.T) {
	e := NewEngine(2, NewTable(DefaultCapacity))
	p := &proto.Packet{Header: proto.Header{Source: 1, Destination: 99, TTL: 5, PacketID: 1}}
	_, err := e.Forward(p, time.Now())
	assert.Equal(t, ErrNoRoute, err)
}
