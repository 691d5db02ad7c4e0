// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package node

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/tve/lorameshd/adr"
	"github.com/tve/lorameshd/group"
	"github.com/tve/lorameshd/mac"
	"github.com/tve/lorameshd/proto"
	"github.com/tve/lorameshd/routing"
	"github.com/tve/lorameshd/thread"
)

// TickInterval is the scheduler's nominal loop period (spec §4.I: "~100Hz cooperative loop").
const TickInterval = 10 * time.Millisecond

// MaintenanceInterval is how often route/neighbor expiry and proactive refresh run; it does
// not need to run every tick (spec §4.I).
const MaintenanceInterval = 1 * time.Second

// TimeSyncInterval is how often a node broadcasts its own TIME_SYNC (spec §4.E "periodic
// broadcast"), letting neighbors adopt it as a time parent.
const TimeSyncInterval = 10 * time.Second

// Run drives the scheduler loop until ctx is canceled. It attempts to lock the loop goroutine
// to a realtime OS thread (same idiom the radio driver worker goroutines use via
// thread.Realtime()); a failure to do so is logged but not fatal, since most deployments run
// fine on the default scheduler.
func (c *Context) Run(ctx context.Context) {
	if err := thread.Realtime(); err != nil && c.Log != nil {
		c.Log("node: realtime scheduling unavailable: %v", err)
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now.Sub(last))
			last = now
		case frame := <-c.RxQueue:
			c.handleFrame(frame, time.Now())
		}
	}
}

// tick advances every component's time-driven state and runs maintenance on its own cadence.
func (c *Context) tick(elapsed time.Duration) {
	c.MAC.Tick(elapsed)
	now := time.Now()
	c.Delivery.Tick(now)
	c.drainDeferred(now)

	if now.Sub(c.lastMaintain) >= MaintenanceInterval {
		c.lastMaintain = now
		c.Neighbors.Expire(now)
		c.Routes.Expire(now)
		for _, dest := range c.Routing.ShouldRefresh(now) {
			c.sendHello(dest)
		}
	}

	if now.Sub(c.lastTimeSync) >= TimeSyncInterval {
		c.lastTimeSync = now
		c.TimeSync()
	}
}

// handleFrame decodes and dispatches one received on-air frame (spec §4.I "Receive path").
// Control packet types are fully handled here; only DATA (and anything unrecognized enough to
// fall to default) goes through the generic forwarding path.
func (c *Context) handleFrame(raw RawFrame, now time.Time) {
	pkt, err := proto.Decode(raw.Data)
	if err != nil {
		if c.Log != nil {
			c.Log("node: dropping malformed frame: %v", err)
		}
		return
	}

	c.Neighbors.Observe(pkt.Source, raw.Iface, raw.RSSI, raw.SNR, now)
	c.linkFor(pkt.Source).Observe(float64(raw.RSSI), raw.SNR)

	switch pkt.Type {
	case proto.TypeRouteReq:
		req, err := proto.DecodeRouteReq(pkt.Payload)
		if err != nil {
			return
		}
		for _, out := range c.Routing.HandleRouteReq(pkt.Source, req, now) {
			c.sendOutbound(out)
		}
	case proto.TypeRouteRep:
		rep, err := proto.DecodeRouteRep(pkt.Payload)
		if err != nil {
			return
		}
		for _, out := range c.Routing.HandleRouteRep(pkt.Source, rep, now) {
			c.sendOutbound(out)
		}
	case proto.TypeRouteErr:
		rerr, err := proto.DecodeRouteErr(pkt.Payload)
		if err != nil {
			return
		}
		c.Routing.HandleRouteErr(rerr, now)
	case proto.TypeAck:
		ack, err := proto.DecodeAck(pkt.Payload)
		if err != nil {
			return
		}
		c.Delivery.Ack(ack.AckedPacketID, now)
	case proto.TypeHello:
		// liveness/route refresh only; neighbor table was already updated above.
	case proto.TypeTimeSync:
		ts, err := proto.DecodeTimeSync(pkt.Payload)
		if err != nil {
			return
		}
		c.MAC.AdoptTimeSync(uint32(pkt.Source), mac.TimeKind(ts.Kind), ts.Stratum, ts.FrameCounter, ts.SlotCounter)
	case proto.TypeBeacon:
		if b, err := proto.DecodeBeacon(pkt.Payload); err == nil {
			c.linkFor(pkt.Source).SetPeerPreference(adr.SF(b.ADR.PreferredSF))
		}
	case proto.TypeData:
		c.handleData(pkt, now)
	default:
		c.forwardOrDrop(pkt, now)
	}
}

func (c *Context) handleData(pkt *proto.Packet, now time.Time) {
	if pkt.Destination != c.Self && !pkt.IsBroadcast() {
		c.forwardOrDrop(pkt, now)
		return
	}
	if c.Routing.SeenPacket(pkt.Source, pkt.PacketID) {
		if pkt.HasFlag(proto.FlagAckReq) && !pkt.IsBroadcast() {
			c.sendAck(pkt.Source, pkt.PacketID)
		}
		return
	}
	payload := pkt.Payload
	if pkt.HasFlag(proto.FlagEncrypted) {
		var err error
		payload, err = c.Envelope.Open(payload, nil)
		if err != nil {
			if c.Log != nil {
				c.Log("node: dropping undecryptable data from %s: %v", pkt.Source, err)
			}
			return
		}
	}
	if pkt.HasFlag(proto.FlagAckReq) && !pkt.IsBroadcast() {
		c.sendAck(pkt.Source, pkt.PacketID)
	}

	if pkt.IsBroadcast() && !pkt.HasFlag(proto.FlagEncrypted) && len(payload) >= group.HeaderLen {
		if gid := binary.LittleEndian.Uint32(payload[0:4]); c.Groups[gid] != nil {
			c.deliverGroup(gid, payload)
			return
		}
	}

	if c.deliverApp != nil {
		c.deliverApp(pkt.Source, payload)
	}
}

// deliverGroup authenticates and decrypts a group frame, surfacing it via DeliverGroupApp.
func (c *Context) deliverGroup(groupID uint32, frame []byte) {
	g := c.Groups[groupID]
	plaintext, hdr, err := g.Open(frame)
	if err != nil {
		if c.Log != nil {
			c.Log("node: dropping group frame for %x: %v", groupID, err)
		}
		return
	}
	if c.DeliverGroupApp != nil {
		c.DeliverGroupApp(groupID, proto.Addr(hdr.Sender), plaintext)
	}
}

func (c *Context) forwardOrDrop(pkt *proto.Packet, now time.Time) {
	out, err := c.Routing.Forward(pkt, now)
	if err != nil {
		if c.Log != nil {
			c.Log("node: not forwarding packet from %s: %v", pkt.Source, err)
		}
		return
	}
	c.sendOutbound(*out)
}

// deferredSend is a routing.Outbound awaiting its rebroadcast jitter delay.
type deferredSend struct {
	out      routing.Outbound
	deadline time.Time
}

// sendOutbound transmits an outbound control/forwarded frame immediately, or queues it for
// the scheduler tick to release once its jitter delay elapses (spec §4.F rebroadcast jitter).
func (c *Context) sendOutbound(out routing.Outbound) {
	if out.Delay <= 0 {
		c.transmit(out.Header, out.Payload)
		return
	}
	c.deferred = append(c.deferred, deferredSend{out: out, deadline: time.Now().Add(out.Delay)})
}

func (c *Context) drainDeferred(now time.Time) {
	if len(c.deferred) == 0 {
		return
	}
	kept := c.deferred[:0]
	for _, d := range c.deferred {
		if now.Before(d.deadline) {
			kept = append(kept, d)
			continue
		}
		c.transmit(d.out.Header, d.out.Payload)
	}
	c.deferred = kept
}
