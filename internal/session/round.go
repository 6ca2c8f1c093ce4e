package session

import (
	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/keystream"
)

// SessionRound holds one round's sequence number, the blocks received
// from other participants, and the local participant's produced block
// (spec.md §3, §4.2). It has no behavior beyond field mutation; every
// transition is driven by SparticSession.
type SessionRound struct {
	// SequenceNumber is the monotonically increasing round index.
	SequenceNumber uint64

	// OurBlock is the local participant's produced block for this
	// round. It is nil until ParticipateInRound is called.
	OurBlock *keystream.Block

	// TheirBlocks holds blocks received from each other participant,
	// keyed only by participants in the session; each peer appears at
	// most once.
	TheirBlocks map[identity.PubKey]keystream.Block
}

// newSessionRound allocates an empty round at the given sequence number.
func newSessionRound(sequenceNumber uint64) *SessionRound {
	return &SessionRound{
		SequenceNumber: sequenceNumber,
		TheirBlocks:    make(map[identity.PubKey]keystream.Block),
	}
}

// ready reports whether the round has every block it needs to complete:
// the local block and one block from every other participant.
func (r *SessionRound) ready(otherPubKeys []identity.PubKey) bool {
	if r.OurBlock == nil {
		return false
	}
	return len(r.TheirBlocks) == len(otherPubKeys)
}
