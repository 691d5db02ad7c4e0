// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package control

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherExecuteDispatchesRegisteredCommand(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(args []string) (string, error) {
		return strings.Join(args, " "), nil
	})

	reply, err := d.Execute("echo hello world")
	assert.NoError(t, err)
	assert.Equal(t, "hello world", reply)
}

func TestDispatcherExecuteUnknownCommand(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Execute("bogus arg")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDispatcherExecuteEmptyLine(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Execute("   ")
	assert.Error(t, err)
}

func TestPairingFullFlow(t *testing.T) {
	p := NewPairingManager()
	now := time.Now()

	s := p.Begin(now)
	assert.Error(t, p.Authorize(s.ID), "unconfirmed session must not authorize")

	assert.NoError(t, p.Confirm(s.ID, now.Add(time.Second)))
	assert.NoError(t, p.Authorize(s.ID))
}

func TestPairingConfirmAfterExpiryFails(t *testing.T) {
	p := NewPairingManager()
	now := time.Now()

	s := p.Begin(now)
	err := p.Confirm(s.ID, now.Add(PairingTimeout+time.Second))
	assert.Error(t, err)
	assert.Error(t, p.Authorize(s.ID), "expired session should have been dropped")
}

func TestPairingExpireDropsStaleUnconfirmedSessions(t *testing.T) {
	p := NewPairingManager()
	now := time.Now()

	stale := p.Begin(now)
	fresh := p.Begin(now)
	assert.NoError(t, p.Confirm(fresh.ID, now))

	p.Expire(now.Add(PairingTimeout + time.Second))

	assert.Error(t, p.Authorize(stale.ID))
	assert.NoError(t, p.Authorize(fresh.ID), "confirmed session must survive Expire regardless of age")
}

func TestPairingAuthorizeUnknownSession(t *testing.T) {
	p := NewPairingManager()
	unknown := p.Begin(time.Now()).ID
	p2 := NewPairingManager()
	assert.Error(t, p2.Authorize(unknown))
}
