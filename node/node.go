// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package node wires every other package into the single-threaded cooperative scheduler
// described in spec §4.I and §5: one loop goroutine owns all mutable mesh state, driven by a
// fixed tick and a bounded receive queue, so no package needs its own locking.
//
// Context replaces the "package-level global instance" pattern the teacher packages use for
// singleton hardware (see sx1276's package-level radio in cmd/sx1276-test) with an explicit,
// constructor-created struct: every mesh runs its own Context, so a single process can host
// more than one node for testing.
package node

import (
	"time"

	"github.com/tve/lorameshd/adr"
	"github.com/tve/lorameshd/crypto"
	"github.com/tve/lorameshd/group"
	"github.com/tve/lorameshd/mac"
	"github.com/tve/lorameshd/neighbor"
	"github.com/tve/lorameshd/proto"
	"github.com/tve/lorameshd/reliable"
	"github.com/tve/lorameshd/routing"
)

// LogPrintf is the logging hook threaded through every component, matching the driver
// packages' own logging convention so the whole stack can be wired to one sink.
type LogPrintf func(format string, v ...interface{})

// RawFrame is a received on-air byte buffer tagged with the interface and radio metrics it
// arrived on, the unit of work the radio driver pushes into the scheduler's receive queue.
type RawFrame struct {
	Data  []byte
	Iface neighbor.Interface
	RSSI  int
	SNR   float64
}

// rxQueueCapacity bounds the single-producer/single-consumer receive queue (spec §4.I): the
// radio driver's interrupt-fed goroutine is the producer, the scheduler loop the consumer.
const rxQueueCapacity = 32

// SendFunc transmits an encoded on-air frame out the radio.
type SendFunc func(frame []byte)

// Context aggregates every component table for one running mesh node. All fields are
// accessed exclusively from the scheduler goroutine (spec §4.I); nothing here needs locking.
type Context struct {
	Self proto.Addr

	Keys     *crypto.Keys
	Envelope *crypto.Envelope

	Neighbors *neighbor.Table
	Routes    *routing.Table
	Routing   *routing.Engine
	MAC       *mac.MAC
	Delivery  *reliable.Manager
	ADRLinks  map[proto.Addr]*adr.Link
	Groups    map[uint32]*group.Group

	RxQueue chan RawFrame
	Send    SendFunc
	Log     LogPrintf

	// DeliverGroupApp is invoked for each authenticated frame received on a joined group.
	DeliverGroupApp func(groupID uint32, sender proto.Addr, payload []byte)

	channelID    byte
	nextPacketID uint16
	currentSF    adr.SF
	deliverApp   func(proto.Addr, []byte)
	lastMaintain time.Time
	lastTimeSync time.Time
	deferred     []deferredSend
}

// Config bundles the construction-time parameters for a node.
type Config struct {
	Self      proto.Addr
	Keys      *crypto.Keys
	ChannelID byte
	Send      SendFunc
	Log       LogPrintf
	DeliverApp func(source proto.Addr, payload []byte)
}

// New builds a fully wired Context: neighbor table, route table, routing engine, MAC, and
// reliable-delivery manager, all bound to self's address and channel.
func New(cfg Config) (*Context, error) {
	env, err := crypto.NewEnvelope(cfg.Keys.NetworkKey, uint32(cfg.Self), cfg.Keys.NonceCtr)
	if err != nil {
		return nil, err
	}
	routeTable := routing.NewTable(routing.DefaultCapacity)
	c := &Context{
		Self:       cfg.Self,
		Keys:       cfg.Keys,
		Envelope:   env,
		Neighbors:  neighbor.NewTable(32),
		Routes:     routeTable,
		Routing:    routing.NewEngine(cfg.Self, routeTable),
		MAC:        mac.New(mac.DefaultConfig(), nil),
		Delivery:   reliable.NewManager(),
		ADRLinks:   make(map[proto.Addr]*adr.Link),
		Groups:     make(map[uint32]*group.Group),
		RxQueue:    make(chan RawFrame, rxQueueCapacity),
		Send:       cfg.Send,
		Log:        cfg.Log,
		channelID:  cfg.ChannelID,
		currentSF:  adr.SF12,
		deliverApp: cfg.DeliverApp,
	}
	c.Delivery.Send = func(h proto.Header, payload []byte, nextHop proto.Addr) {
		c.transmit(h, payload)
	}
	c.Delivery.OnOutcome = func(packetID uint16, dest proto.Addr, outcome reliable.Outcome) {
		if c.Log != nil {
			c.Log("delivery %d to %s: %s", packetID, dest, outcome)
		}
	}
	return c, nil
}

// linkFor returns (creating if needed) the ADR link state tracked for a peer.
func (c *Context) linkFor(peer proto.Addr) *adr.Link {
	l, ok := c.ADRLinks[peer]
	if !ok {
		l = adr.NewLink(peer)
		c.ADRLinks[peer] = l
	}
	return l
}

func (c *Context) nextID() uint16 {
	c.nextPacketID++
	return c.nextPacketID
}
