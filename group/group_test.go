// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	g, err := New("chat", testKey(), false)
	assert.NoError(t, err)
	frame := g.Seal(42, []byte("hello mesh"), MsgData)

	recv, err := New("chat", testKey(), false)
	assert.NoError(t, err)
	plaintext, hdr, err := recv.Open(frame)
	assert.NoError(t, err)
	assert.Equal(t, "hello mesh", string(plaintext))
	assert.Equal(t, uint32(42), hdr.Sender)
}

func TestDeriveGroupIDIsDeterministic(t *testing.T) {
	id1 := DeriveGroupID("chat", testKey())
	id2 := DeriveGroupID("chat", testKey())
	assert.Equal(t, id1, id2)

	var otherKey [32]byte
	otherKey[0] = 0xff
	id3 := DeriveGroupID("chat", otherKey)
	assert.NotEqual(t, id1, id3)
}

func TestOpenRejectsWrongGroup(t *testing.T) {
	a, _ := New("chat", testKey(), false)
	frame := a.Seal(1, []byte("hi"), MsgData)

	var otherKey [32]byte
	otherKey[1] = 0x42
	b, _ := New("other", otherKey, false)
	_, _, err := b.Open(frame)
	assert.Equal(t, ErrWrongGroup, err)
}

func TestOpenRejectsReplayedSequence(t *testing.T) {
	sender, _ := New("chat", testKey(), false)
	receiver, _ := New("chat", testKey(), false)

	frame1 := sender.Seal(1, []byte("one"), MsgData)
	_, _, err := receiver.Open(frame1)
	assert.NoError(t, err)

	frame2 := sender.Seal(1, []byte("two"), MsgData)
	_, _, err = receiver.Open(frame2)
	assert.NoError(t, err)

	// Replay frame1 after frame2 was accepted.
	_, _, err = receiver.Open(frame1)
	assert.Equal(t, ErrReplay, err)
}

func TestOpenAcceptsAnyPositiveSequenceOnFirstReceipt(t *testing.T) {
	sender, _ := New("chat", testKey(), false)
	sender.TxSeq = 99 // simulate sender having already sent many frames
	receiver, _ := New("chat", testKey(), false)

	frame := sender.Seal(1, []byte("late joiner"), MsgData)
	_, _, err := receiver.Open(frame)
	assert.NoError(t, err)
	assert.Equal(t, uint32(100), receiver.RxSeq)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sender, _ := New("chat", testKey(), false)
	receiver, _ := New("chat", testKey(), false)
	frame := sender.Seal(1, []byte("hello"), MsgData)
	frame[len(frame)-1] ^= 0xff
	_, _, err := receiver.Open(frame)
	assert.Equal(t, ErrAuthFailure, err)
}
