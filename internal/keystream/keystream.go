package keystream

import (
	"encoding/binary"

	"golang.org/x/crypto/salsa20/salsa20"
)

// nonceSize is the XSalsa20 nonce size: 192 bits, per spec.md §6.
const nonceSize = 24

// SynchronizedKeystream is an immutable value holding an ordered list of
// 32-byte secrets. Reads of it are a pure function of
// (secrets, sequence number, length); no internal mutable state survives
// a call (spec.md §4.1). The list may contain duplicates — they
// XOR-cancel and are permitted, since cancellation is exactly how two
// participants contributing the same pairwise secret recover each
// other's streams.
type SynchronizedKeystream struct {
	secrets [][SecretSize]byte
}

// New constructs a SynchronizedKeystream from an ordered list of 32-byte
// secrets. The list is stored as given; order doesn't affect the output
// since XOR is commutative, but callers (internal/session) construct it
// in a stable order so results are reproducible for debugging.
func New(secrets [][SecretSize]byte) *SynchronizedKeystream {
	cp := make([][SecretSize]byte, len(secrets))
	copy(cp, secrets)
	return &SynchronizedKeystream{secrets: cp}
}

// Read produces length bytes of keystream at the abstract position named
// by sequenceNumber:
//
//	XOR over all secrets k of streamcipher(key=k, nonce=encode(sequenceNumber))[0:length]
//
// using XSalsa20 with a 24-byte nonce formed by zero-padding the
// sequence number into the low 8 bytes, big-endian (spec.md §4.1, §6).
//
// Callers must never call Read twice with the same sequenceNumber but a
// different length or different logical round content — keystream reuse
// within a sequence number is the XOR two-time-pad break.
func (k *SynchronizedKeystream) Read(sequenceNumber uint64, length int) []byte {
	var nonce [nonceSize]byte
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], sequenceNumber)

	out := make([]byte, length)
	zeros := make([]byte, length)
	buf := make([]byte, length)

	for _, secret := range k.secrets {
		salsa20.XORKeyStream(buf, zeros, nonce[:], &secret)
		for i := 0; i < length; i++ {
			out[i] ^= buf[i]
		}
	}
	return out
}

// ReadBlock is a convenience wrapper around Read for the common case of
// reading exactly one BlockSize-length block.
func (k *SynchronizedKeystream) ReadBlock(sequenceNumber uint64) Block {
	b, err := BlockFromBytes(k.Read(sequenceNumber, BlockSize))
	if err != nil {
		// Read always returns exactly BlockSize bytes for length=BlockSize.
		panic(err)
	}
	return b
}

// Zero clears the held secrets, so a dropped session doesn't leave
// pairwise key material resident in memory (spec.md §5).
func (k *SynchronizedKeystream) Zero() {
	for i := range k.secrets {
		for j := range k.secrets[i] {
			k.secrets[i][j] = 0
		}
	}
}
