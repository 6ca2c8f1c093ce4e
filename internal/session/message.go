package session

import "github.com/interfect/spartic/internal/keystream"

// OutboundKind tags the variant of an OutboundMessage (spec.md §4.3's
// "Key | Block | Error" tagged union). The wire-level groupId framing
// lives one layer up, in internal/wire and internal/router — a session
// only knows about its own group.
type OutboundKind uint8

const (
	// OutboundKey carries the local half of a pairwise shared secret.
	OutboundKey OutboundKind = iota
	// OutboundBlock carries one round's produced block.
	OutboundBlock
	// OutboundError reports a peer-protocol violation back to its source.
	OutboundError
)

// String returns a human-readable name for the kind, for logging.
func (k OutboundKind) String() string {
	switch k {
	case OutboundKey:
		return "KEY"
	case OutboundBlock:
		return "BLOCK"
	case OutboundError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// OutboundMessage is one message queued for delivery to a single peer.
// Exactly one of the fields below is meaningful, selected by Kind.
type OutboundMessage struct {
	Kind OutboundKind

	// SharedKey is populated for OutboundKey.
	SharedKey [keystream.SecretSize]byte

	// SequenceNumber and Block are populated for OutboundBlock.
	SequenceNumber uint64
	Block          keystream.Block

	// ErrorText is populated for OutboundError.
	ErrorText string
}
