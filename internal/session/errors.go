package session

import "errors"

// Local-caller errors (spec.md §7 surface 2): the embedding application
// misused the API. These are returned synchronously to the caller and
// never mutate session state.
var (
	// ErrNoCurrentRound is returned by ParticipateInRound when the
	// session has no current round yet (key exchange incomplete).
	ErrNoCurrentRound = errors.New("session: no current round")

	// ErrAlreadyParticipated is returned by ParticipateInRound when the
	// local participant has already produced a block for the current
	// round.
	ErrAlreadyParticipated = errors.New("session: already participated in current round")

	// ErrWrongMessageSize is returned by ParticipateInRound when the
	// supplied message is not exactly keystream.BlockSize bytes.
	ErrWrongMessageSize = errors.New("session: message is the wrong size")

	// ErrUnknownPeer is returned when a caller names a peer that is not
	// a member of this session.
	ErrUnknownPeer = errors.New("session: unknown peer")
)

// Peer-protocol error text (spec.md §7 surface 1): these are the exact
// strings enqueued as ErrorMessage text on a peer's outbound queue when
// that peer sends something inconsistent with the session's local view.
// They are never returned as Go errors — they are protocol content.
const (
	errTextDuplicateKey   = "public key already received"
	errTextBadRoundWindow = "block is for an unacceptable round"
	errTextWrongBlockSize = "block is the wrong size"
	errTextDuplicateBlock = "block is already here"
)
