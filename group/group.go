// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package group implements authenticated multicast group messaging (spec §4.H): group
// identity derivation, a fixed cleartext frame header authenticated as AEAD associated data,
// and per-group replay protection via a monotonic receive sequence.
//
// The frame layout (cleartext header, authenticated but unencrypted, followed by ciphertext
// and tag) follows the same fixed-header-plus-ciphertext framing idiom as the packet
// envelope in package crypto, generalized here to a group's shared symmetric key instead of
// envelope's point-to-point one-time key schedule.
package group

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// HeaderLen is the cleartext group-frame header: group_id(4) sequence(4) sender(4)
// payload_len(2) msg_type(1) reserved(1) (spec §4.H).
const HeaderLen = 16

// TagSize is the AEAD authentication tag appended after the ciphertext.
const TagSize = chacha20poly1305.Overhead

var (
	// ErrShortFrame is returned when a buffer is too small to hold a header plus tag.
	ErrShortFrame = errors.New("group: frame too short")
	// ErrWrongGroup is returned when a frame's group_id doesn't match the key it's opened with.
	ErrWrongGroup = errors.New("group: group id mismatch")
	// ErrReplay is returned when a frame's sequence number is not greater than rx_sequence.
	ErrReplay = errors.New("group: replayed or stale sequence")
	// ErrAuthFailure is returned when the AEAD tag doesn't verify.
	ErrAuthFailure = errors.New("group: authentication failure")
)

// MsgType identifies the kind of payload carried inside a group frame.
type MsgType byte

const (
	MsgData MsgType = iota
	MsgAdminAnnounce
)

// Header is the cleartext, authenticated-but-unencrypted portion of a group frame.
type Header struct {
	GroupID      uint32
	Sequence     uint32
	Sender       uint32
	PayloadLen   uint16
	Type         MsgType
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.GroupID)
	binary.LittleEndian.PutUint32(buf[4:8], h.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], h.Sender)
	binary.LittleEndian.PutUint16(buf[12:14], h.PayloadLen)
	buf[14] = byte(h.Type)
	buf[15] = 0 // reserved
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		GroupID:    binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:   binary.LittleEndian.Uint32(buf[4:8]),
		Sender:     binary.LittleEndian.Uint32(buf[8:12]),
		PayloadLen: binary.LittleEndian.Uint16(buf[12:14]),
		Type:       MsgType(buf[14]),
	}
}

// DeriveGroupID computes the group_id as the first 4 bytes of BLAKE2b(name || key) (spec §4.H).
func DeriveGroupID(name string, key [32]byte) uint32 {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(name))
	h.Write(key[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// Group is one joined group's state: identity, shared key, and sequence counters (spec §3
// "Group Entry").
type Group struct {
	ID           uint32
	Name         string
	Key          [32]byte
	TxSeq        uint32
	RxSeq        uint32
	Admin        bool
	LastActivity time.Time

	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New creates group state for name/key, deriving GroupID and the AEAD cipher.
func New(name string, key [32]byte, admin bool) (*Group, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Group{ID: DeriveGroupID(name, key), Name: name, Key: key, Admin: admin, aead: aead}, nil
}

// nonce builds the 12-byte AEAD nonce: sequence(4) || group_id big-endian(4) || zeros(4)
// (spec §4.H).
func nonce(sequence, groupID uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(n[0:4], sequence)
	binary.BigEndian.PutUint32(n[4:8], groupID)
	return n
}

// Seal encrypts plaintext for sender (normally the local node address), assigning the next
// tx sequence number, and returns the complete on-air group frame.
func (g *Group) Seal(sender uint32, plaintext []byte, msgType MsgType) []byte {
	g.TxSeq++
	h := Header{GroupID: g.ID, Sequence: g.TxSeq, Sender: sender, PayloadLen: uint16(len(plaintext)), Type: msgType}
	hdr := h.encode()
	sealed := g.aead.Seal(nil, nonce(h.Sequence, h.GroupID), plaintext, hdr)
	return append(hdr, sealed...)
}

// Open authenticates and decrypts a received group frame, enforcing replay protection: a
// frame's sequence must be strictly greater than RxSeq, except the very first frame received
// for a group which accepts any positive sequence (spec §4.H).
func (g *Group) Open(frame []byte) ([]byte, Header, error) {
	if len(frame) < HeaderLen+TagSize {
		return nil, Header{}, ErrShortFrame
	}
	hdr := frame[:HeaderLen]
	h := decodeHeader(hdr)
	if h.GroupID != g.ID {
		return nil, Header{}, ErrWrongGroup
	}
	if g.RxSeq != 0 && h.Sequence <= g.RxSeq {
		return nil, Header{}, ErrReplay
	}
	if h.Sequence == 0 {
		return nil, Header{}, ErrReplay
	}
	plaintext, err := g.aead.Open(nil, nonce(h.Sequence, h.GroupID), frame[HeaderLen:], hdr)
	if err != nil {
		return nil, Header{}, ErrAuthFailure
	}
	g.RxSeq = h.Sequence
	g.LastActivity = time.Now()
	return plaintext, h, nil
}
