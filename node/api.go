// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package node

import (
	"time"

	"github.com/tve/lorameshd/group"
	"github.com/tve/lorameshd/proto"
	"github.com/tve/lorameshd/reliable"
	"github.com/tve/lorameshd/routing"
)

// SetChannel changes the application channel tagged on every subsequently sent frame (spec
// §6.4 `channel 0..7`). It is purely a header field: the radio stays on the same frequency,
// so no driver reconfiguration is needed.
func (c *Context) SetChannel(id byte) {
	c.channelID = id
}

// transmit encodes and hands a header+payload frame to the radio driver's Send callback.
func (c *Context) transmit(h proto.Header, payload []byte) {
	frame, err := proto.Encode(h, payload)
	if err != nil {
		if c.Log != nil {
			c.Log("node: refusing to encode oversize frame to %s: %v", h.Destination, err)
		}
		return
	}
	if c.Send != nil {
		c.Send(frame)
	}
}

// SendData sends application payload to dest, optionally requesting acknowledged delivery
// (spec §4.G: broadcast destinations must never request an ack). It returns the locally
// assigned packet id so the caller can correlate a later delivery-outcome callback.
func (c *Context) SendData(dest proto.Addr, payload []byte, ackReq bool, encrypt bool) (uint16, error) {
	now := time.Now()
	id := c.nextID()

	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeData, ChannelID: c.channelID,
		PacketID: id, Source: c.Self, Destination: dest,
	}

	body := payload
	if encrypt {
		sealed, err := c.Envelope.Seal(payload, nil)
		if err != nil {
			return 0, err
		}
		body = sealed
		h.Flags |= proto.FlagEncrypted
	}
	h.PayloadLength = uint16(len(body))

	if dest == proto.AddrBroadcast {
		h.TTL = routing.BroadcastTTL
		h.Flags |= proto.FlagBroadcast
		h.NextHop = proto.AddrBroadcast
		c.transmit(h, body)
		return id, nil
	}

	nextHop, discover, ok := c.Routing.NextHopFor(dest, now)
	if !ok {
		if discover != nil {
			c.sendOutbound(*discover)
		}
		c.Delivery.NoRoute(id)
		return id, nil
	}
	if ackReq && !c.Delivery.HasRoom() {
		return id, reliable.ErrWindowFull
	}
	route, _ := c.Routes.Primary(dest)
	h.TTL = routing.UnicastTTL(route.HopCount)
	h.NextHop = nextHop
	if ackReq {
		h.Flags |= proto.FlagAckReq
	}
	c.transmit(h, body)
	if ackReq {
		c.Delivery.Track(h, body, dest, nextHop, now)
	}
	return id, nil
}

func (c *Context) sendAck(dest proto.Addr, ackedID uint16) {
	route, ok := c.Routes.Primary(dest)
	nextHop := dest
	ttl := byte(2)
	if ok {
		nextHop = route.NextHop
		ttl = routing.UnicastTTL(route.HopCount)
	}
	ack := proto.Ack{AckedPacketID: ackedID}
	payload := ack.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeAck, ChannelID: c.channelID,
		PacketID: c.nextID(), Source: c.Self, Destination: dest, NextHop: nextHop, TTL: ttl,
		PayloadLength: uint16(len(payload)),
	}
	c.transmit(h, payload)
}

func (c *Context) sendHello(dest proto.Addr) {
	hello := proto.Hello{CurrentSF: byte(c.currentSF)}
	payload := hello.Encode()
	route, ok := c.Routes.Primary(dest)
	if !ok {
		return
	}
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeHello, ChannelID: c.channelID,
		PacketID: c.nextID(), Source: c.Self, Destination: dest, NextHop: route.NextHop,
		TTL: routing.UnicastTTL(route.HopCount), PayloadLength: uint16(len(payload)),
	}
	c.transmit(h, payload)
}

// TimeSync broadcasts this node's current time-source quality and frame/slot counters (spec
// §4.E), letting neighbors adopt it as their time parent if it's better than their own. Called
// both periodically by the scheduler and on demand via the `mac sync` operator command.
func (c *Context) TimeSync() {
	kind, stratum, frameCounter, slotCounter := c.MAC.TimeSyncMessage()
	now := time.Now()
	ts := proto.TimeSync{
		Kind: proto.TimeSyncKind(kind), Stratum: stratum,
		FrameCounter: frameCounter, SlotCounter: slotCounter,
		UTCSeconds: uint32(now.Unix()),
	}
	payload := ts.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeTimeSync, ChannelID: c.channelID,
		PacketID: c.nextID(), Source: c.Self, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, TTL: routing.BroadcastTTL, Flags: proto.FlagBroadcast,
		PayloadLength: uint16(len(payload)),
	}
	c.transmit(h, payload)
}

// Beacon broadcasts this node's ADR preference, seeding neighbor discovery (spec §4.D).
func (c *Context) Beacon() {
	b := proto.Beacon{ADR: proto.ADRAdvert{PreferredSF: byte(c.currentSF)}}
	payload := b.Encode()
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeBeacon, ChannelID: c.channelID,
		PacketID: c.nextID(), Source: c.Self, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, TTL: routing.BroadcastTTL, Flags: proto.FlagBroadcast,
		PayloadLength: uint16(len(payload)),
	}
	c.transmit(h, payload)
}

// JoinGroup creates (or replaces) group state for name/key and registers it for receive.
func (c *Context) JoinGroup(name string, key [32]byte, admin bool) (*group.Group, error) {
	g, err := group.New(name, key, admin)
	if err != nil {
		return nil, err
	}
	c.Groups[g.ID] = g
	return g, nil
}

// SendGroup seals payload for an already-joined group and broadcasts it.
func (c *Context) SendGroup(groupID uint32, payload []byte, msgType group.MsgType) error {
	g, ok := c.Groups[groupID]
	if !ok {
		return group.ErrWrongGroup
	}
	frame := g.Seal(uint32(c.Self), payload, msgType)
	h := proto.Header{
		Version: proto.ProtocolVersion, Type: proto.TypeData, ChannelID: c.channelID,
		PacketID: c.nextID(), Source: c.Self, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, TTL: routing.BroadcastTTL, Flags: proto.FlagBroadcast,
		PayloadLength: uint16(len(frame)),
	}
	c.transmit(h, frame)
	return nil
}
