// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package routing

import (
	"math/rand"
	"time"

	"github.com/tve/lorameshd/proto"
)

// MaxTTL is the absolute ceiling on any packet's time-to-live (spec §3, §4.F).
const MaxTTL = 15

// BroadcastTTL is the TTL assigned to flooded packets (ROUTE_REQ, BEACON) (spec §4.F).
const BroadcastTTL = 5

// UnicastTTLMargin is added to the known hop count to give a unicast packet headroom for
// route changes in flight (spec §4.F).
const UnicastTTLMargin = 2

// seenCacheSize bounds the request/packet dedup caches (spec §4.F "seen caches").
const seenCacheSize = 64

// RebroadcastJitterMin and RebroadcastJitterMax bound the random delay before a node
// rebroadcasts a flooded ROUTE_REQ, to desynchronize simultaneous repeaters (spec §4.F).
const (
	RebroadcastJitterMin = 10 * time.Millisecond
	RebroadcastJitterMax = 50 * time.Millisecond
)

// UnicastTTL computes the TTL to stamp on a unicast packet given the known hop count to the
// destination, capped at MaxTTL (spec §4.F).
func UnicastTTL(hopCount byte) byte {
	ttl := int(hopCount) + UnicastTTLMargin
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	if ttl < 1 {
		ttl = 1
	}
	return byte(ttl)
}

// seenKey identifies a flooded request by its originator and request id.
type seenKey struct {
	originator proto.Addr
	requestID  uint32
}

// ringCache is a small fixed-size, insertion-order-evicted dedup set, the same bounded-slots
// idiom used throughout this codebase in place of a general-purpose LRU package.
type ringCache struct {
	keys []seenKey
	set  map[seenKey]struct{}
	next int
}

func newRingCache(size int) *ringCache {
	return &ringCache{keys: make([]seenKey, size), set: make(map[seenKey]struct{}, size)}
}

// Seen reports whether k was already recorded, recording it if not.
func (c *ringCache) Seen(k seenKey) bool {
	if _, ok := c.set[k]; ok {
		return true
	}
	if old := c.keys[c.next]; old != (seenKey{}) {
		delete(c.set, old)
	}
	c.keys[c.next] = k
	c.set[k] = struct{}{}
	c.next = (c.next + 1) % len(c.keys)
	return false
}

// Outbound is a packet the engine wants transmitted, addressed to NextHop.
type Outbound struct {
	Header  proto.Header
	Payload []byte
	Delay   time.Duration // jitter before send, 0 for immediate
}

// Delivery is a locally-destined DATA packet surfaced to the application layer.
type Delivery struct {
	Source  proto.Addr
	Payload []byte
}

// Engine runs AODV-style route discovery and forwarding over a Table (spec §4.F). It is driven
// synchronously by the scheduler loop (spec §4.I); all methods run on that single goroutine.
type Engine struct {
	Self proto.Addr

	Table *Table

	seenRequests *ringCache
	seenPackets  *ringCache

	rng *rand.Rand

	nextRequestID uint32

	pendingRequests map[proto.Addr]uint32 // destination -> outstanding request id
}

// NewEngine creates a routing engine for node self, forwarding through table.
func NewEngine(self proto.Addr, table *Table) *Engine {
	return &Engine{
		Self:            self,
		Table:           table,
		seenRequests:    newRingCache(seenCacheSize),
		seenPackets:     newRingCache(seenCacheSize),
		rng:             rand.New(rand.NewSource(int64(self))),
		pendingRequests: make(map[proto.Addr]uint32),
	}
}

// jitter returns a random delay in [RebroadcastJitterMin, RebroadcastJitterMax).
func (e *Engine) jitter() time.Duration {
	span := RebroadcastJitterMax - RebroadcastJitterMin
	return RebroadcastJitterMin + time.Duration(e.rng.Int63n(int64(span)))
}

// Discover originates a ROUTE_REQ flood for dest. Returns nil if a request is already
// outstanding for that destination (spec §4.F avoids redundant floods).
func (e *Engine) Discover(dest proto.Addr, now time.Time) *Outbound {
	if _, ok := e.pendingRequests[dest]; ok {
		return nil
	}
	e.nextRequestID++
	reqID := e.nextRequestID
	e.pendingRequests[dest] = reqID
	e.seenRequests.Seen(seenKey{originator: e.Self, requestID: reqID})

	req := proto.RouteReq{RequestID: reqID, Originator: e.Self, Destination: dest, HopCount: 0}
	payload := req.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeRouteReq, TTL: BroadcastTTL,
		Flags: proto.FlagBroadcast, Source: e.Self, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, HopCount: 0, PayloadLength: uint16(len(payload)),
	}
	return &Outbound{Header: h, Payload: payload}
}

// HandleRouteReq processes a received ROUTE_REQ: installs a reverse route to the originator,
// answers directly if we are (or know a route to) the destination, else rebroadcasts with
// jitter after incrementing hop count (spec §4.F).
func (e *Engine) HandleRouteReq(from proto.Addr, req proto.RouteReq, now time.Time) []Outbound {
	key := seenKey{originator: req.Originator, requestID: req.RequestID}
	if e.seenRequests.Seen(key) {
		return nil
	}

	// Reverse path: the node we heard this from is the next hop back to the originator.
	e.Table.Upsert(req.Originator, from, req.HopCount+1, 200, now)

	if req.Destination == e.Self {
		rep := proto.RouteRep{RequestID: req.RequestID, Originator: req.Originator,
			Destination: e.Self, HopCount: 0, Quality: 255}
		payload := rep.Encode()
		h := proto.Header{
			Version: proto.ProtocolVersion, Type: proto.TypeRouteRep,
			TTL: UnicastTTL(req.HopCount + 1), Source: e.Self, Destination: req.Originator,
			NextHop: from, HopCount: 0, PayloadLength: uint16(len(payload)),
		}
		return []Outbound{{Header: h, Payload: payload}}
	}

	if r, ok := e.Table.Primary(req.Destination); ok {
		rep := proto.RouteRep{RequestID: req.RequestID, Originator: req.Originator,
			Destination: req.Destination, HopCount: r.HopCount, Quality: r.Quality}
		payload := rep.Encode()
		h := proto.Header{
			Version: proto.ProtocolVersion, Type: proto.TypeRouteRep,
			TTL: UnicastTTL(req.HopCount + 1), Source: e.Self, Destination: req.Originator,
			NextHop: from, HopCount: 0, PayloadLength: uint16(len(payload)),
		}
		return []Outbound{{Header: h, Payload: payload}}
	}

	fwd := req
	fwd.HopCount++
	payload := fwd.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeRouteReq, TTL: BroadcastTTL,
		Flags: proto.FlagBroadcast | proto.FlagRetransmit, Source: e.Self,
		Destination: proto.AddrBroadcast, NextHop: proto.AddrBroadcast,
		HopCount: fwd.HopCount, PayloadLength: uint16(len(payload)),
	}
	return []Outbound{{Header: h, Payload: payload, Delay: e.jitter()}}
}

// HandleRouteRep processes a received ROUTE_REP: installs a forward route to the replying
// destination, and either consumes it (we were the originator) or forwards it one more hop
// back along the reverse path (spec §4.F).
func (e *Engine) HandleRouteRep(from proto.Addr, rep proto.RouteRep, now time.Time) []Outbound {
	e.Table.Upsert(rep.Destination, from, rep.HopCount+1, rep.Quality, now)

	if rep.Originator == e.Self {
		delete(e.pendingRequests, rep.Destination)
		return nil
	}

	back, ok := e.Table.Primary(rep.Originator)
	if !ok {
		return nil // reverse path expired, drop
	}
	fwd := rep
	fwd.HopCount++
	payload := fwd.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeRouteRep,
		TTL: UnicastTTL(back.HopCount), Source: e.Self, Destination: rep.Originator,
		NextHop: back.NextHop, HopCount: 0, PayloadLength: uint16(len(payload)),
	}
	return []Outbound{{Header: h, Payload: payload}}
}

// HandleRouteErr processes a ROUTE_ERR: invalidates any route via the failed hop and, if this
// node itself holds no more routes to the unreachable destination but has downstream
// dependents, propagates the error further (spec §4.F).
func (e *Engine) HandleRouteErr(re proto.RouteErr, now time.Time) []Outbound {
	e.Table.InvalidateVia(re.FailedHop)
	return nil
}

// NextHopFor resolves the next hop to reach dest, triggering a ROUTE_REQ flood if unknown.
func (e *Engine) NextHopFor(dest proto.Addr, now time.Time) (proto.Addr, *Outbound, bool) {
	if r, ok := e.Table.Primary(dest); ok {
		return r.NextHop, nil, true
	}
	return proto.AddrInvalid, e.Discover(dest, now), false
}

// ReportFailure is called by the reliable-delivery layer (§4.G) when a next hop stops
// acknowledging: it demotes that route and emits a ROUTE_ERR broadcast (spec §4.F).
func (e *Engine) ReportFailure(dest, failedNextHop proto.Addr) *Outbound {
	e.Table.PromoteNextBest(dest, failedNextHop)
	re := proto.RouteErr{Unreachable: dest, FailedHop: failedNextHop}
	payload := re.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeRouteErr, TTL: BroadcastTTL,
		Flags: proto.FlagBroadcast, Source: e.Self, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, PayloadLength: uint16(len(payload)),
	}
	return &Outbound{Header: h, Payload: payload}
}

// SeenPacket records a forwarded DATA packet's (source, packet_id) pair for loop/duplicate
// suppression, returning true if it was already seen (spec §4.F dedup cache).
func (e *Engine) SeenPacket(source proto.Addr, packetID uint16) bool {
	return e.seenPackets.Seen(seenKey{originator: source, requestID: uint32(packetID)})
}

// ShouldRefresh reports which destinations have a stale-but-used primary route, candidates
// for a proactive HELLO (spec §4.F proactive maintenance).
func (e *Engine) ShouldRefresh(now time.Time) []proto.Addr {
	return e.Table.StaleButInUse(now, 0.5)
}
