// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package control implements the node's operator-facing command surface (spec §6.4): a text
// command dispatcher for send/beacon/channel/adr/group/mac/time, and a pairing-protected byte
// channel for a local host to attach to.
//
// The dispatcher replaces the teacher's reflection-based module registry
// (cmd/mqttradio/modules.go's RegisterModule/hookModule, built for arbitrary typed pub/sub
// payloads) with a plain name -> handler table: every command here takes string arguments and
// returns a string reply, so the reflection machinery buys nothing and is dropped in favor of
// a direct map, per-Dispatcher rather than the teacher's package-level global registry.
package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// ErrUnknownCommand is returned when a command line names a command not in the dispatcher.
var ErrUnknownCommand = errors.New("control: unknown command")

// Handler executes one command, given its whitespace-split arguments, and returns the text
// reply to send back to the operator.
type Handler func(args []string) (string, error)

// Dispatcher is a node's command table, built fresh per node (no package-level registry, so a
// process hosting multiple nodes never shares command state between them).
type Dispatcher struct {
	commands map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{commands: make(map[string]Handler)}
}

// Register adds a command under name, replacing any existing handler of the same name.
func (d *Dispatcher) Register(name string, h Handler) {
	d.commands[name] = h
}

// Execute parses "command arg1 arg2 ..." and runs the matching handler.
func (d *Dispatcher) Execute(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errors.New("control: empty command")
	}
	h, ok := d.commands[fields[0]]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	return h(fields[1:])
}

// PairingTimeout bounds how long an unconfirmed pairing request stays valid.
const PairingTimeout = 2 * time.Minute

// ErrNotPaired is returned when a byte-channel operation is attempted before pairing completes.
var ErrNotPaired = errors.New("control: session not paired")

// Session is one local-host control-channel session, identified by an xid so logs and replies
// can correlate a long-lived connection without leaking sequential, guessable ids.
type Session struct {
	ID        xid.ID
	Paired    bool
	CreatedAt time.Time
}

// PairingManager tracks in-flight and confirmed pairing sessions for the local control
// channel (spec §6.4): a session must be explicitly confirmed (e.g. by the operator pressing
// a physical button, or echoing back a code) before it can issue commands.
type PairingManager struct {
	sessions map[xid.ID]*Session
}

// NewPairingManager creates an empty pairing manager.
func NewPairingManager() *PairingManager {
	return &PairingManager{sessions: make(map[xid.ID]*Session)}
}

// Begin starts a new, unconfirmed pairing session.
func (p *PairingManager) Begin(now time.Time) *Session {
	s := &Session{ID: xid.New(), CreatedAt: now}
	p.sessions[s.ID] = s
	return s
}

// Confirm marks a session as paired, provided it hasn't expired.
func (p *PairingManager) Confirm(id xid.ID, now time.Time) error {
	s, ok := p.sessions[id]
	if !ok {
		return fmt.Errorf("control: unknown pairing session %s", id)
	}
	if now.Sub(s.CreatedAt) > PairingTimeout {
		delete(p.sessions, id)
		return fmt.Errorf("control: pairing session %s expired", id)
	}
	s.Paired = true
	return nil
}

// Authorize reports whether id names a confirmed, non-expired session, for gating command
// execution on the local control channel.
func (p *PairingManager) Authorize(id xid.ID) error {
	s, ok := p.sessions[id]
	if !ok || !s.Paired {
		return ErrNotPaired
	}
	return nil
}

// Expire drops pairing sessions that never got confirmed in time.
func (p *PairingManager) Expire(now time.Time) {
	for id, s := range p.sessions {
		if !s.Paired && now.Sub(s.CreatedAt) > PairingTimeout {
			delete(p.sessions, id)
		}
	}
}
