// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tve/lorameshd/crypto"
	"github.com/tve/lorameshd/mac"
	"github.com/tve/lorameshd/node"
	"github.com/tve/lorameshd/proto"
)

func testContext(t *testing.T, sent *[][]byte) *node.Context {
	keys, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	c, err := node.New(node.Config{Self: 1, Keys: keys, ChannelID: 0, Send: func(frame []byte) {
		*sent = append(*sent, frame)
	}})
	require.NoError(t, err)
	return c
}

func TestMacCommandTogglesTDMAEnable(t *testing.T) {
	var sent [][]byte
	c := testContext(t, &sent)
	d := NewDispatcher()
	RegisterNodeCommands(d, c)

	c.MAC.SetAuthoritativeTime(mac.TimeGPS)
	assert.Equal(t, mac.StateTDMASynced, c.MAC.State())

	reply, err := d.Execute("mac off")
	assert.NoError(t, err)
	assert.Contains(t, reply, "disabled")
	assert.Equal(t, mac.StateCSMAOnly, c.MAC.State())

	reply, err = d.Execute("mac on")
	assert.NoError(t, err)
	assert.Contains(t, reply, "enabled")
}

func TestMacCommandSyncBroadcastsTimeSync(t *testing.T) {
	var sent [][]byte
	c := testContext(t, &sent)
	d := NewDispatcher()
	RegisterNodeCommands(d, c)

	_, err := d.Execute("mac sync")
	assert.NoError(t, err)
	require.Len(t, sent, 1)
	pkt, err := proto.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, proto.TypeTimeSync, pkt.Type)
}

func TestMacCommandWithNoArgsReportsState(t *testing.T) {
	var sent [][]byte
	c := testContext(t, &sent)
	d := NewDispatcher()
	RegisterNodeCommands(d, c)

	reply, err := d.Execute("mac")
	assert.NoError(t, err)
	assert.Contains(t, reply, "state=")
}

func TestChannelCommandChangesHeaderChannelID(t *testing.T) {
	var sent [][]byte
	c := testContext(t, &sent)
	d := NewDispatcher()
	RegisterNodeCommands(d, c)

	reply, err := d.Execute("channel 3")
	assert.NoError(t, err)
	assert.Contains(t, reply, "3")

	c.Beacon()
	require.Len(t, sent, 1)
	pkt, err := proto.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, byte(3), pkt.ChannelID)
}

func TestChannelCommandRejectsOutOfRange(t *testing.T) {
	var sent [][]byte
	c := testContext(t, &sent)
	d := NewDispatcher()
	RegisterNodeCommands(d, c)

	_, err := d.Execute("channel 8")
	assert.Error(t, err)
}
