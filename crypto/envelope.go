// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package crypto provides the AEAD envelope used to seal packet payloads under the
// network's pre-shared key, the keyed-hash signing path, and the node identity/key
// lifecycle described in spec §4.B. Primitives are never reimplemented here: encryption
// is golang.org/x/crypto/chacha20poly1305, hashing is golang.org/x/crypto/blake2b.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the 24-byte nonce: 4-byte source address, 8-byte monotonic counter, 12 random.
const NonceSize = 24

// TagSize is the AEAD authentication tag size appended to ciphertext.
const TagSize = chacha20poly1305.Overhead

// SignatureSize is the fixed size of the out-of-band authenticity tag (spec §4.B).
const SignatureSize = 64

var (
	// ErrAuthFailure is returned when an AEAD tag fails to verify. Per spec §7 this is never
	// retried: the frame is dropped and a counter incremented by the caller.
	ErrAuthFailure = errors.New("crypto: authentication failed")
	// ErrNonceWrap is fatal: the nonce counter would wrap. Spec §9 treats this as fatal,
	// unlike the source's "warn and continue" — encryption is refused until rekey.
	ErrNonceWrap = errors.New("crypto: nonce counter wrapped, rekey required")
	// ErrShortCiphertext is returned when a sealed buffer is too small to contain nonce+tag.
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
)

// Envelope seals and opens payloads under the network pre-shared key using XChaCha20-Poly1305
// (a 24-byte nonce AEAD construction compatible with the nonce layout in spec §4.B).
type Envelope struct {
	aead    cipher.AEAD
	source  uint32 // our own node address, mixed into every nonce we generate
	counter uint64 // monotonic, persisted; wrapping is fatal
	wrapped bool
}

// NewEnvelope builds an Envelope for the given 32-byte network key, starting nonce counter
// (loaded from the key/value store on boot, zero on first boot) and our own source address.
func NewEnvelope(networkKey [32]byte, source uint32, startCounter uint64) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(networkKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cannot init AEAD: %w", err)
	}
	return &Envelope{aead: aead, source: source, counter: startCounter}, nil
}

// Counter returns the current nonce counter, for best-effort periodic persistence (spec §5).
func (e *Envelope) Counter() uint64 { return e.counter }

// Seal encrypts plaintext and returns nonce‖ciphertext‖tag. It fails permanently with
// ErrNonceWrap once the counter would wrap; the caller must halt encryption and rekey.
func (e *Envelope) Seal(plaintext, additionalData []byte) ([]byte, error) {
	if e.wrapped {
		return nil, ErrNonceWrap
	}
	if e.counter == ^uint64(0) {
		e.wrapped = true
		return nil, ErrNonceWrap
	}

	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint32(nonce[0:4], e.source)
	binary.LittleEndian.PutUint64(nonce[4:12], e.counter)
	if _, err := io.ReadFull(rand.Reader, nonce[12:24]); err != nil {
		return nil, fmt.Errorf("crypto: rng failure: %w", err)
	}
	e.counter++

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = e.aead.Seal(out, nonce, plaintext, additionalData)
	return out, nil
}

// Open verifies and decrypts a nonce‖ciphertext‖tag buffer. A failed tag returns
// ErrAuthFailure; per spec §7 there is no retry on this path.
func (e *Envelope) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrShortCiphertext
	}
	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]
	plain, err := e.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plain, nil
}

// Sign produces a fixed 64-byte keyed-hash tag over data using the long-term private key as
// MAC key, for out-of-band authenticity checks (spec §4.B) separate from the AEAD path.
func Sign(longTermPrivate [32]byte, data []byte) ([]byte, error) {
	h, err := blake2b.New(SignatureSize, longTermPrivate[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cannot init signer: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// VerifySign checks a signature produced by Sign.
func VerifySign(longTermPrivate [32]byte, data, sig []byte) bool {
	want, err := Sign(longTermPrivate, data)
	if err != nil || len(sig) != len(want) {
		return false
	}
	var diff byte
	for i := range want {
		diff |= want[i] ^ sig[i]
	}
	return diff == 0
}

// NetworkID derives the 32-bit opportunistic network tag as the first four bytes of
// BLAKE2b("lorameshd-network" ‖ network_key). Never authoritative (spec §3).
func NetworkID(networkKey [32]byte) uint32 {
	h := blake2b.Sum256(append([]byte("lorameshd-network"), networkKey[:]...))
	return binary.BigEndian.Uint32(h[:4])
}
