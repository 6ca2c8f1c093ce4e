// Package wire implements the transport-agnostic Spartic message codec
// (spec.md §6): a tagged union of KeyMessage, BlockMessage, and
// ErrorMessage, each carrying a varint groupId so one peer connection
// can multiplex several simultaneous groups. internal/router is the
// only caller; it treats encoded messages as opaque bytes handed to a
// transport.Stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/interfect/spartic/internal/keystream"
)

// Kind tags which of the three message variants a Message carries.
type Kind uint8

const (
	KindKey Kind = iota
	KindBlock
	KindError
)

// String returns a human-readable name, for logging and error text.
func (k Kind) String() string {
	switch k {
	case KindKey:
		return "KEY"
	case KindBlock:
		return "BLOCK"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sentinel decode errors. A malformed message from a peer is always a
// peer-protocol concern handled by the caller (internal/router), never
// a panic.
var (
	ErrTruncated    = errors.New("wire: message is truncated")
	ErrUnknownKind  = errors.New("wire: unknown message kind")
	ErrGroupIDRange = errors.New("wire: groupId does not fit a varint")
)

// KeyMessage carries one pairwise shared-secret half (spec.md §6).
type KeyMessage struct {
	GroupID   uint64
	SharedKey [keystream.SecretSize]byte
}

// BlockMessage carries one round's produced block (spec.md §6).
type BlockMessage struct {
	GroupID        uint64
	SequenceNumber uint64
	Block          keystream.Block
}

// ErrorMessage reports a peer-protocol violation back to its sender
// (spec.md §7 surface 1). The wire table in spec.md §6 does not list a
// groupId field for ErrorMessage, but every other message kind carries
// one so a single peer connection can multiplex several groups; an
// error with no groupId would be unattributable to a session on a
// connection serving more than one group, so this codec carries groupId
// here too (see SPEC_FULL.md §1's note on this transcription choice).
type ErrorMessage struct {
	GroupID uint64
	Text    string
}

// EncodeKey serializes a KeyMessage as: kind byte, groupId varint,
// 32-byte shared key.
func EncodeKey(m KeyMessage) ([]byte, error) {
	head, err := groupIDHeader(KindKey, m.GroupID)
	if err != nil {
		return nil, err
	}
	return append(head, m.SharedKey[:]...), nil
}

// EncodeBlock serializes a BlockMessage as: kind byte, groupId varint,
// sequenceNumber varint, 4096-byte block.
func EncodeBlock(m BlockMessage) ([]byte, error) {
	head, err := groupIDHeader(KindBlock, m.GroupID)
	if err != nil {
		return nil, err
	}
	var seqBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(seqBuf[:], m.SequenceNumber)
	head = append(head, seqBuf[:n]...)
	return append(head, m.Block[:]...), nil
}

// EncodeError serializes an ErrorMessage as: kind byte, groupId varint,
// UTF-8 text (the remainder of the message; the transport is assumed to
// be message-oriented and length-prefixed per spec.md §6, so no length
// prefix is added here).
func EncodeError(m ErrorMessage) ([]byte, error) {
	head, err := groupIDHeader(KindError, m.GroupID)
	if err != nil {
		return nil, err
	}
	return append(head, []byte(m.Text)...), nil
}

func groupIDHeader(kind Kind, groupID uint64) ([]byte, error) {
	var buf [1 + binary.MaxVarintLen64]byte
	buf[0] = byte(kind)
	n := binary.PutUvarint(buf[1:], groupID)
	return append([]byte(nil), buf[:1+n]...), nil
}

// Decode inspects the leading kind byte and groupId varint and returns
// one of *KeyMessage, *BlockMessage, or *ErrorMessage as an any, along
// with the decoded groupId for callers (internal/router) that want it
// without a type switch.
func Decode(data []byte) (any, uint64, error) {
	if len(data) < 1 {
		return nil, 0, ErrTruncated
	}
	kind := Kind(data[0])
	rest := data[1:]

	groupID, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, 0, ErrTruncated
	}
	rest = rest[n:]

	switch kind {
	case KindKey:
		if len(rest) != keystream.SecretSize {
			return nil, groupID, fmt.Errorf("%w: key payload is %d bytes, want %d", ErrTruncated, len(rest), keystream.SecretSize)
		}
		var m KeyMessage
		m.GroupID = groupID
		copy(m.SharedKey[:], rest)
		return &m, groupID, nil

	case KindBlock:
		seq, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, groupID, ErrTruncated
		}
		rest = rest[n:]
		block, err := keystream.BlockFromBytes(rest)
		if err != nil {
			return nil, groupID, fmt.Errorf("wire: %w", err)
		}
		return &BlockMessage{GroupID: groupID, SequenceNumber: seq, Block: block}, groupID, nil

	case KindError:
		return &ErrorMessage{GroupID: groupID, Text: string(rest)}, groupID, nil

	default:
		return nil, groupID, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}
