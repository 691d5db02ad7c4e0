// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package proto

import (
	"encoding/binary"
	"errors"
)

// ErrShortPayload is returned by the typed payload decoders when the buffer is too small.
var ErrShortPayload = errors.New("proto: payload too short")

// RouteReq is the ROUTE_REQ payload: a flood request for a path to Destination.
type RouteReq struct {
	RequestID   uint32
	Originator  Addr
	Destination Addr
	HopCount    byte
}

// Encode serializes the request.
func (r RouteReq) Encode() []byte {
	buf := make([]byte, 13)
	binary.LittleEndian.PutUint32(buf[0:4], r.RequestID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Originator))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Destination))
	buf[12] = r.HopCount
	return buf
}

// DecodeRouteReq parses a ROUTE_REQ payload.
func DecodeRouteReq(buf []byte) (RouteReq, error) {
	if len(buf) < 13 {
		return RouteReq{}, ErrShortPayload
	}
	return RouteReq{
		RequestID:   binary.LittleEndian.Uint32(buf[0:4]),
		Originator:  Addr(binary.LittleEndian.Uint32(buf[4:8])),
		Destination: Addr(binary.LittleEndian.Uint32(buf[8:12])),
		HopCount:    buf[12],
	}, nil
}

// RouteRep is the ROUTE_REP payload sent by the destination back along the reverse path.
type RouteRep struct {
	RequestID   uint32
	Originator  Addr
	Destination Addr
	HopCount    byte
	Quality     byte
}

// Encode serializes the reply.
func (r RouteRep) Encode() []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint32(buf[0:4], r.RequestID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Originator))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Destination))
	buf[12] = r.HopCount
	buf[13] = r.Quality
	return buf
}

// DecodeRouteRep parses a ROUTE_REP payload.
func DecodeRouteRep(buf []byte) (RouteRep, error) {
	if len(buf) < 14 {
		return RouteRep{}, ErrShortPayload
	}
	return RouteRep{
		RequestID:   binary.LittleEndian.Uint32(buf[0:4]),
		Originator:  Addr(binary.LittleEndian.Uint32(buf[4:8])),
		Destination: Addr(binary.LittleEndian.Uint32(buf[8:12])),
		HopCount:    buf[12],
		Quality:     buf[13],
	}, nil
}

// RouteErr is the ROUTE_ERR payload: the unreachable destination and the next hop that failed.
type RouteErr struct {
	Unreachable Addr
	FailedHop   Addr
}

// Encode serializes the error.
func (r RouteErr) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Unreachable))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.FailedHop))
	return buf
}

// DecodeRouteErr parses a ROUTE_ERR payload.
func DecodeRouteErr(buf []byte) (RouteErr, error) {
	if len(buf) < 8 {
		return RouteErr{}, ErrShortPayload
	}
	return RouteErr{
		Unreachable: Addr(binary.LittleEndian.Uint32(buf[0:4])),
		FailedHop:   Addr(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// Ack is the ACK payload: it carries the packet_id of the frame it acknowledges (the header's
// own packet_id field is sender-local, so the ack needs to echo the id it is acking).
type Ack struct {
	AckedPacketID uint16
}

// Encode serializes the ack.
func (a Ack) Encode() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, a.AckedPacketID)
	return buf
}

// DecodeAck parses an ACK payload.
func DecodeAck(buf []byte) (Ack, error) {
	if len(buf) < 2 {
		return Ack{}, ErrShortPayload
	}
	return Ack{AckedPacketID: binary.LittleEndian.Uint16(buf)}, nil
}

// TimeSyncKind orders the quality of a time source, lowest is best (spec §4.E).
type TimeSyncKind byte

const (
	TimeGPS TimeSyncKind = iota
	TimeNTP
	TimeHost
	TimeMeshSynced
	TimeCrystal
)

// TimeSync is the periodic time-sync broadcast payload.
type TimeSync struct {
	Kind          TimeSyncKind
	Stratum       byte
	FrameCounter  uint32
	SlotCounter   uint16
	UTCSeconds    uint32
	UTCFractional uint32
}

// Encode serializes the time-sync message.
func (t TimeSync) Encode() []byte {
	buf := make([]byte, 16)
	buf[0] = byte(t.Kind)
	buf[1] = t.Stratum
	binary.LittleEndian.PutUint32(buf[2:6], t.FrameCounter)
	binary.LittleEndian.PutUint16(buf[6:8], t.SlotCounter)
	binary.LittleEndian.PutUint32(buf[8:12], t.UTCSeconds)
	binary.LittleEndian.PutUint32(buf[12:16], t.UTCFractional)
	return buf
}

// DecodeTimeSync parses a TIME_SYNC payload.
func DecodeTimeSync(buf []byte) (TimeSync, error) {
	if len(buf) < 16 {
		return TimeSync{}, ErrShortPayload
	}
	return TimeSync{
		Kind:          TimeSyncKind(buf[0]),
		Stratum:       buf[1],
		FrameCounter:  binary.LittleEndian.Uint32(buf[2:6]),
		SlotCounter:   binary.LittleEndian.Uint16(buf[6:8]),
		UTCSeconds:    binary.LittleEndian.Uint32(buf[8:12]),
		UTCFractional: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Hello is a lightweight liveness/route-refresh payload, carrying just the SF the sender is
// currently using so neighbors can opportunistically learn it without a full ADR advertisement.
type Hello struct {
	CurrentSF byte
}

// Encode serializes the hello.
func (h Hello) Encode() []byte { return []byte{h.CurrentSF} }

// DecodeHello parses a HELLO payload.
func DecodeHello(buf []byte) (Hello, error) {
	if len(buf) < 1 {
		return Hello{}, ErrShortPayload
	}
	return Hello{CurrentSF: buf[0]}, nil
}

// ADRAdvert is carried inside a BEACON (or piggy-backed on HELLO extensions) to advertise a
// node's preferred spreading factor to its neighbors for negotiation (spec §4.D step 4).
type ADRAdvert struct {
	PreferredSF byte
}

// Encode serializes the advertisement.
func (a ADRAdvert) Encode() []byte { return []byte{a.PreferredSF} }

// DecodeADRAdvert parses an ADR advertisement payload.
func DecodeADRAdvert(buf []byte) (ADRAdvert, error) {
	if len(buf) < 1 {
		return ADRAdvert{}, ErrShortPayload
	}
	return ADRAdvert{PreferredSF: buf[0]}, nil
}

// Beacon is a periodic announcement payload combining ADR preference and current SF, used to
// seed neighbor discovery without requiring a prior route.
type Beacon struct {
	ADR ADRAdvert
}

// Encode serializes the beacon.
func (b Beacon) Encode() []byte { return b.ADR.Encode() }

// DecodeBeacon parses a BEACON payload.
func DecodeBeacon(buf []byte) (Beacon, error) {
	adr, err := DecodeADRAdvert(buf)
	if err != nil {
		return Beacon{}, err
	}
	return Beacon{ADR: adr}, nil
}
