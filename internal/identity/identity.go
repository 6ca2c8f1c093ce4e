// Package identity provides participant identity for Spartic: the
// 32-byte public key type groups and sessions are keyed by, and the
// long-term keypair a participant derives from a seed.
//
// Persisting identity seeds to disk is deliberately out of scope here
// (spec.md places "long-term identity key management and persistence"
// with the embedding application); this package only generates and
// compares keys in memory.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// PubKeySize is the size of a participant public key in bytes.
	PubKeySize = 32

	// SeedSize is the size of the seed from which a long-term identity
	// keypair is derived.
	SeedSize = 32
)

var (
	// ErrInvalidKeyLength is returned when a key is the wrong length.
	ErrInvalidKeyLength = fmt.Errorf("invalid public key length: expected %d bytes", PubKeySize)

	// ErrInvalidHexString is returned when a hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for public key")

	// ErrInvalidSeedLength is returned when a seed is the wrong length.
	ErrInvalidSeedLength = fmt.Errorf("invalid seed length: expected %d bytes", SeedSize)

	// ZeroPubKey represents an uninitialized public key.
	ZeroPubKey = PubKey{}
)

// PubKey is a participant's 32-byte public identity. It compares by byte
// value and is usable as a map key, per spec.md §3.
type PubKey [PubKeySize]byte

// ParsePubKey parses a PubKey from a hex string.
func ParsePubKey(s string) (PubKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != PubKeySize*2 {
		return ZeroPubKey, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), PubKeySize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroPubKey, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var k PubKey
	copy(k[:], b)
	return k, nil
}

// PubKeyFromBytes creates a PubKey from a byte slice.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	if len(b) != PubKeySize {
		return ZeroPubKey, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(b))
	}
	var k PubKey
	copy(k[:], b)
	return k, nil
}

// String returns the hex representation of the public key.
func (k PubKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation (first 8 chars),
// useful for log lines.
func (k PubKey) ShortString() string {
	return hex.EncodeToString(k[:4])
}

// Bytes returns the key as a byte slice.
func (k PubKey) Bytes() []byte {
	return k[:]
}

// IsZero returns true if the key is uninitialized (all zeros).
func (k PubKey) IsZero() bool {
	return k == ZeroPubKey
}

// Equal returns true if two public keys are identical.
func (k PubKey) Equal(other PubKey) bool {
	return k == other
}

// MarshalText implements encoding.TextMarshaler.
func (k PubKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PubKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Identity is a participant's long-term keypair: an ed25519 signing key
// (for whatever the transport uses to authenticate peerInfo.publicKey,
// per spec.md §6) and an X25519 static key derived from the same seed,
// for transport-level channel establishment. Neither key is used for
// the group's pairwise shared secrets (§3) — those are generated fresh
// per session.
type Identity struct {
	Seed       [SeedSize]byte
	SigningPub ed25519.PublicKey
	signingKey ed25519.PrivateKey
	dhPriv     [32]byte
	DHPub      PubKey
}

// GenerateIdentity derives a long-term Identity from a uniformly random
// seed read from crypto/rand.
func GenerateIdentity() (*Identity, error) {
	var seed [SeedSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("generate identity seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed deterministically derives an Identity from a seed,
// so a persisted seed (the embedding application's concern) reproduces
// the same keypair.
func IdentityFromSeed(seed [SeedSize]byte) (*Identity, error) {
	signingKey := ed25519.NewKeyFromSeed(seed[:])

	var dhPriv [32]byte
	copy(dhPriv[:], seed[:])
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64

	var dhPub PubKey
	curve25519.ScalarBaseMult((*[32]byte)(&dhPub), &dhPriv)

	id := &Identity{
		Seed:       seed,
		SigningPub: signingKey.Public().(ed25519.PublicKey),
		signingKey: signingKey,
		dhPriv:     dhPriv,
		DHPub:      dhPub,
	}
	return id, nil
}

// PubKey returns the participant's signing public key as a PubKey.
func (id *Identity) PubKey() PubKey {
	var k PubKey
	copy(k[:], id.SigningPub)
	return k
}

// Sign signs a message with the identity's long-term signing key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingKey, message)
}

// Verify verifies a signature made by the holder of pub.
func Verify(pub PubKey, message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig)
}

// ComputeSharedDH performs an X25519 Diffie-Hellman exchange between
// this identity's static key and a peer's DH public key. No other
// package in this module calls it (internal/transport and the
// internal/link handshake do not use it), and it is not used for the
// group's pairwise secrets.
func (id *Identity) ComputeSharedDH(peerDHPub PubKey) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &id.dhPriv, (*[32]byte)(&peerDHPub))

	var zero [32]byte
	if shared == zero {
		return shared, errors.New("invalid ECDH result: low-order point")
	}
	return shared, nil
}

// Zero clears the identity's private key material. Call this when the
// identity is no longer needed.
func (id *Identity) Zero() {
	for i := range id.signingKey {
		id.signingKey[i] = 0
	}
	for i := range id.dhPriv {
		id.dhPriv[i] = 0
	}
	for i := range id.Seed {
		id.Seed[i] = 0
	}
}
