// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package routing

import (
	"errors"
	"time"

	"github.com/tve/lorameshd/proto"
)

// ErrNoRoute is returned when a DATA packet's destination has no route and none could be
// discovered synchronously (the caller should queue and retry once a ROUTE_REP arrives).
var ErrNoRoute = errors.New("routing: no route to destination")

// ErrTTLExpired is returned when a received packet's TTL reached zero before decrement.
var ErrTTLExpired = errors.New("routing: ttl expired")

// ErrDuplicate is returned when a packet's (source, packet_id) pair was already forwarded.
var ErrDuplicate = errors.New("routing: duplicate packet")

// Forward decides what to do with a received packet not addressed to this node: broadcast
// packets are re-flooded (TTL permitting) after dedup, unicast packets needing relay are
// re-sent to the next hop toward their destination (spec §4.F forwarding).
func (e *Engine) Forward(p *proto.Packet, now time.Time) (*Outbound, error) {
	if e.SeenPacket(p.Source, p.PacketID) {
		return nil, ErrDuplicate
	}
	if p.TTL == 0 {
		return nil, ErrTTLExpired
	}
	ttl := p.TTL - 1
	if ttl == 0 {
		return nil, ErrTTLExpired
	}

	if p.IsBroadcast() {
		h := p.Header
		h.TTL = ttl
		h.HopCount++
		h.Flags |= proto.FlagRetransmit
		return &Outbound{Header: h, Payload: p.Payload, Delay: e.jitter()}, nil
	}

	r, ok := e.Table.Primary(p.Destination)
	if !ok {
		return nil, ErrNoRoute
	}
	h := p.Header
	h.TTL = ttl
	h.HopCount++
	h.NextHop = r.NextHop
	return &Outbound{Header: h, Payload: p.Payload}, nil
}

// IsForUs reports whether a packet is addressed to self, directly or by broadcast.
func (e *Engine) IsForUs(p *proto.Packet) bool {
	return p.Destination == e.Self || p.IsBroadcast()
}
