// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// domainPublicKey and domainPassphrase are domain separators for BLAKE2b derivations,
// matching the style of per-purpose domain tags spec §4.B calls for.
var (
	domainPublicKey  = []byte("lorameshd-pubkey-v1")
	domainPassphrase = []byte("lorameshd-passphrase-v1")
	domainNodeAddr   = []byte("lorameshd-addr-v1")
)

// Keys holds a node's long-term identity and the current network key. Mutated only during
// encrypt/decrypt calls and on explicit rekey (spec §5); zeroed on Wipe.
type Keys struct {
	LongTermPrivate [32]byte // used as BLAKE2b MAC key for signing (spec §4.B)
	LongTermPublic  [32]byte // BLAKE2b(LongTermPrivate, domain tag)

	X25519Private [32]byte // derived alongside the long-term key; unused by this spec today,
	X25519Public  [32]byte // reserved for a future per-link key-agreement extension (DESIGN.md)

	NetworkKey [32]byte // shared 32-byte AEAD key for the transport layer
	NonceCtr   uint64   // persisted nonce counter for Envelope
}

// GenerateIdentity creates a fresh long-term keypair and a random network key, as done on
// first boot with no stored identity (spec §4.B).
func GenerateIdentity() (*Keys, error) {
	k := &Keys{}
	if _, err := io.ReadFull(rand.Reader, k.LongTermPrivate[:]); err != nil {
		return nil, fmt.Errorf("crypto: rng failure generating identity: %w", err)
	}
	k.derivePublic()

	if _, err := io.ReadFull(rand.Reader, k.NetworkKey[:]); err != nil {
		return nil, fmt.Errorf("crypto: rng failure generating network key: %w", err)
	}
	return k, nil
}

func (k *Keys) derivePublic() {
	pub := blake2b.Sum256(append(append([]byte{}, domainPublicKey...), k.LongTermPrivate[:]...))
	copy(k.LongTermPublic[:], pub[:])

	// X25519 keypair, derived deterministically from the long-term private key so it
	// doesn't need its own storage slot; reserved, see DESIGN.md Open Questions.
	x := blake2b.Sum256(append([]byte("lorameshd-x25519-v1"), k.LongTermPrivate[:]...))
	copy(k.X25519Private[:], x[:])
	pubX, _ := curve25519.X25519(k.X25519Private[:], curve25519.Basepoint)
	copy(k.X25519Public[:], pubX)
}

// SetNetworkKeyRaw replaces the network key from raw bytes.
func (k *Keys) SetNetworkKeyRaw(raw [32]byte) { k.NetworkKey = raw }

// SetNetworkKeyPassphrase derives a network key from a passphrase using BLAKE2b with a
// domain tag, for operator-entered shared secrets.
func (k *Keys) SetNetworkKeyPassphrase(passphrase string) {
	sum := blake2b.Sum256(append(append([]byte{}, domainPassphrase...), []byte(passphrase)...))
	k.NetworkKey = sum
}

// DeriveNodeAddr computes a stable node address. If a hardware-unique id is available it is
// hashed directly; otherwise the long-term public key is hashed. Reserved addresses are
// avoided with a constant fallback (spec §3).
func DeriveNodeAddr(hwUnique []byte, longTermPublic [32]byte) uint32 {
	var sum [32]byte
	if len(hwUnique) > 0 {
		sum = blake2b.Sum256(append(append([]byte{}, domainNodeAddr...), hwUnique...))
	} else {
		sum = blake2b.Sum256(append(append([]byte{}, domainNodeAddr...), longTermPublic[:]...))
	}
	addr := binary.BigEndian.Uint32(sum[:4])
	if addr == 0x00000000 || addr == 0xFFFFFFFF {
		return 0x00000001 // collision-avoidance fallback, a constant non-reserved value
	}
	return addr
}

// Wipe zeroes key material, for use at end of life in place of deterministic destruction.
func (k *Keys) Wipe() {
	zero(k.LongTermPrivate[:])
	zero(k.X25519Private[:])
	zero(k.NetworkKey[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
