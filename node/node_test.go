// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tve/lorameshd/crypto"
	"github.com/tve/lorameshd/neighbor"
	"github.com/tve/lorameshd/proto"
	"github.com/tve/lorameshd/reliable"
)

func testNode(t *testing.T, self proto.Addr, send SendFunc) *Context {
	keys, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	c, err := New(Config{Self: self, Keys: keys, ChannelID: 0, Send: send})
	require.NoError(t, err)
	return c
}

func TestSendDataBroadcastNeverTracksDelivery(t *testing.T) {
	var sent []byte
	c := testNode(t, 1, func(frame []byte) { sent = frame })
	id, err := c.SendData(proto.AddrBroadcast, []byte("hi"), true /* ignored for broadcast */, false)
	assert.NoError(t, err)
	assert.NotZero(t, id)
	assert.NotEmpty(t, sent)
	assert.Equal(t, 0, c.Delivery.Outstanding())
}

func TestSendDataUnicastWithNoRouteTriggersDiscovery(t *testing.T) {
	var sent [][]byte
	c := testNode(t, 1, func(frame []byte) { sent = append(sent, frame) })
	_, err := c.SendData(99, []byte("hi"), true, false)
	assert.NoError(t, err)
	require.Len(t, sent, 1)
	pkt, err := proto.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, proto.TypeRouteReq, pkt.Type)
}

func TestSendDataUnicastWithRouteTracksDelivery(t *testing.T) {
	var sent [][]byte
	c := testNode(t, 1, func(frame []byte) { sent = append(sent, frame) })
	c.Routes.Upsert(99, 50, 1, 200, time.Now())
	_, err := c.SendData(99, []byte("hi"), true, false)
	assert.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, 1, c.Delivery.Outstanding())
}

func TestSendDataUnicastFailsWhenWindowFull(t *testing.T) {
	var sent [][]byte
	c := testNode(t, 1, func(frame []byte) { sent = append(sent, frame) })
	c.Routes.Upsert(99, 50, 1, 200, time.Now())

	for i := 0; i < c.Delivery.Window; i++ {
		_, err := c.SendData(99, []byte("hi"), true, false)
		require.NoError(t, err)
	}
	assert.Equal(t, c.Delivery.Window, c.Delivery.Outstanding())

	lenBefore := len(sent)
	_, err := c.SendData(99, []byte("one too many"), true, false)
	assert.ErrorIs(t, err, reliable.ErrWindowFull)
	assert.Equal(t, lenBefore, len(sent), "a window-full send must not transmit")
}

func TestHandleFrameRouteReqFromNeighborUpdatesTable(t *testing.T) {
	var sent [][]byte
	c := testNode(t, 2, func(frame []byte) { sent = append(sent, frame) })

	req := proto.RouteReq{RequestID: 1, Originator: 1, Destination: 3, HopCount: 0}
	payload := req.Encode()
	h := proto.Header{Version: proto.ProtocolVersion, Type: proto.TypeRouteReq, TTL: 5,
		Flags: proto.FlagBroadcast, Source: 1, Destination: proto.AddrBroadcast,
		NextHop: proto.AddrBroadcast, PayloadLength: uint16(len(payload))}
	frame, err := proto.Encode(h, payload)
	require.NoError(t, err)

	now := time.Now()
	c.handleFrame(RawFrame{Data: frame, Iface: neighbor.IfaceRadio, RSSI: -80, SNR: 5}, now)

	assert.True(t, c.Neighbors.IsNeighbor(1))
	r, ok := c.Routes.Primary(1)
	assert.True(t, ok)
	assert.Equal(t, proto.Addr(1), r.NextHop)

	// rebroadcast since we're not the destination and have no route; it's jittered, not
	// sent immediately.
	require.Len(t, c.deferred, 1)
	c.drainDeferred(now.Add(time.Second))
	require.Len(t, sent, 1)
}

func TestHandleFrameDataForSelfDelivered(t *testing.T) {
	c := testNode(t, 2, func(frame []byte) {})
	var gotSource proto.Addr
	var gotPayload []byte
	c.deliverApp = func(src proto.Addr, p []byte) { gotSource, gotPayload = src, p }

	h := proto.Header{Version: proto.ProtocolVersion, Type: proto.TypeData, TTL: 5,
		Source: 1, Destination: 2, NextHop: 2, PayloadLength: 5}
	frame, err := proto.Encode(h, []byte("hello"))
	require.NoError(t, err)

	c.handleFrame(RawFrame{Data: frame, Iface: neighbor.IfaceRadio, RSSI: -70, SNR: 8}, time.Now())
	assert.Equal(t, proto.Addr(1), gotSource)
	assert.Equal(t, "hello", string(gotPayload))
}

func TestHandleFrameDataForSelfDedupsRetransmit(t *testing.T) {
	c := testNode(t, 2, func(frame []byte) {})
	deliveries := 0
	c.deliverApp = func(src proto.Addr, p []byte) { deliveries++ }

	h := proto.Header{Version: proto.ProtocolVersion, Type: proto.TypeData, TTL: 5,
		Source: 1, Destination: 2, NextHop: 2, PacketID: 7, PayloadLength: 5}
	frame, err := proto.Encode(h, []byte("hello"))
	require.NoError(t, err)

	c.handleFrame(RawFrame{Data: frame, Iface: neighbor.IfaceRadio, RSSI: -70, SNR: 8}, time.Now())
	// sender's ACK got lost, it retransmits the identical (source, packet_id).
	c.handleFrame(RawFrame{Data: frame, Iface: neighbor.IfaceRadio, RSSI: -70, SNR: 8}, time.Now())

	assert.Equal(t, 1, deliveries, "a retransmitted packet must be delivered to the app at most once")
}

func TestHandleFrameAckResolvesPendingDelivery(t *testing.T) {
	c := testNode(t, 1, func(frame []byte) {})
	c.Routes.Upsert(99, 50, 1, 200, time.Now())
	id, err := c.SendData(99, []byte("hi"), true, false)
	require.NoError(t, err)

	ack := proto.Ack{AckedPacketID: id}
	payload := ack.Encode()
	h := proto.Header{Version: proto.ProtocolVersion, Type: proto.TypeAck, TTL: 5,
		Source: 50, Destination: 1, NextHop: 1, PayloadLength: uint16(len(payload))}
	frame, err := proto.Encode(h, payload)
	require.NoError(t, err)

	c.handleFrame(RawFrame{Data: frame, Iface: neighbor.IfaceRadio, RSSI: -60, SNR: 9}, time.Now())
	assert.Equal(t, 0, c.Delivery.Outstanding())
}

func TestTickEmitsPeriodicTimeSync(t *testing.T) {
	var sent [][]byte
	c := testNode(t, 1, func(frame []byte) { sent = append(sent, frame) })

	c.tick(TimeSyncInterval + time.Second)
	require.Len(t, sent, 1)
	pkt, err := proto.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, proto.TypeTimeSync, pkt.Type)

	// a second tick within the interval must not emit again.
	c.tick(time.Millisecond)
	assert.Len(t, sent, 1)
}

func TestJoinAndSendGroupRoundTrip(t *testing.T) {
	var sent []byte
	c := testNode(t, 1, func(frame []byte) { sent = frame })
	var key [32]byte
	key[0] = 7
	g, err := c.JoinGroup("chat", key, false)
	require.NoError(t, err)

	err = c.SendGroup(g.ID, []byte("yo"), 0)
	require.NoError(t, err)

	recv := testNode(t, 2, func(frame []byte) {})
	var gotPayload []byte
	recv.DeliverGroupApp = func(gid uint32, sender proto.Addr, p []byte) { gotPayload = p }
	_, err = recv.JoinGroup("chat", key, false)
	require.NoError(t, err)

	recv.handleFrame(RawFrame{Data: sent, Iface: neighbor.IfaceRadio, RSSI: -50, SNR: 10}, time.Now())
	assert.Equal(t, "yo", string(gotPayload))
}
