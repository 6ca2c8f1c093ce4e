// Package session implements SparticSession: the per-group,
// per-participant state machine that performs the pairwise key
// exchange, orders inbound and outbound blocks into sequenced rounds,
// XOR-combines received blocks with the local participant's own, and
// emits round results and outbound wire messages (spec.md §4.3).
//
// A session is entirely synchronous and deterministic: every public
// method runs to completion without blocking or yielding (spec.md §5).
// It never talks to a transport directly — internal/router drains its
// outbound queues and feeds it inbound calls.
package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/keystream"
	"github.com/interfect/spartic/internal/logging"
	"github.com/interfect/spartic/internal/metrics"
)

// State is the coarse lifecycle state of a session, summarized in
// spec.md §4.3's state-machine table. It has no effect on behavior —
// every operation's actual preconditions are checked directly — but is
// exposed for status reporting and logging.
type State int

const (
	// StateSetup is the state while any peer's key half is outstanding.
	StateSetup State = iota
	// StateRunning is the state once every peer's key half has arrived.
	StateRunning
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// SparticSession is the per-group state machine described by spec.md
// §3–§4.3. It is safe for concurrent use; every exported method takes
// the session's single mutex for its entire body, matching the "no
// internal suspension points" model — no method blocks while holding
// the lock.
type SparticSession struct {
	mu sync.Mutex

	otherPubKeys []identity.PubKey          // stable order, set at construction
	otherSet     map[identity.PubKey]struct{}

	ourSharedKeys    map[identity.PubKey][keystream.SecretSize]byte
	theirSharedKeys  map[identity.PubKey]*[keystream.SecretSize]byte
	awaitingRotation map[identity.PubKey]bool

	keystream *keystream.SynchronizedKeystream

	currentRound *SessionRound
	nextRound    *SessionRound

	queues  map[identity.PubKey][]OutboundMessage
	results []keystream.Block

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a SparticSession at construction time.
type Option func(*SparticSession)

// WithLogger attaches a structured logger. Secret material is never
// logged (spec.md §5); only group/peer/sequence metadata is.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SparticSession) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SparticSession) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New constructs a session for the given set of other participants
// (spec.md §4.3 Construction). otherPubKeys must not contain the local
// participant's own key and must contain no duplicates; the caller
// (internal/router) is responsible for that invariant. On return, a Key
// message has already been enqueued for every peer.
func New(otherPubKeys []identity.PubKey, opts ...Option) (*SparticSession, error) {
	s := &SparticSession{
		otherPubKeys:     append([]identity.PubKey(nil), otherPubKeys...),
		otherSet:         make(map[identity.PubKey]struct{}, len(otherPubKeys)),
		ourSharedKeys:    make(map[identity.PubKey][keystream.SecretSize]byte, len(otherPubKeys)),
		theirSharedKeys:  make(map[identity.PubKey]*[keystream.SecretSize]byte, len(otherPubKeys)),
		awaitingRotation: make(map[identity.PubKey]bool),
		nextRound:        newSessionRound(0),
		queues:           make(map[identity.PubKey][]OutboundMessage, len(otherPubKeys)),
		logger:           logging.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, p := range otherPubKeys {
		if _, dup := s.otherSet[p]; dup {
			return nil, fmt.Errorf("session: duplicate peer %s in otherPubKeys", p.ShortString())
		}
		s.otherSet[p] = struct{}{}

		secret, err := GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("session: generate shared key for %s: %w", p.ShortString(), err)
		}
		s.ourSharedKeys[p] = secret
		s.theirSharedKeys[p] = nil
		s.queues[p] = nil

		s.enqueueLocked(p, OutboundMessage{Kind: OutboundKey, SharedKey: secret})
	}

	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
	}

	return s, nil
}

// GenerateSecret produces a uniformly random 32-byte shared-secret half.
func GenerateSecret() ([keystream.SecretSize]byte, error) {
	var secret [keystream.SecretSize]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return secret, fmt.Errorf("session: generate secret: %w", err)
	}
	return secret, nil
}

// State reports the session's coarse lifecycle state.
func (s *SparticSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *SparticSession) stateLocked() State {
	if s.keystream == nil {
		return StateSetup
	}
	return StateRunning
}

// OtherPubKeys returns the session's other participants, in the stable
// order used to build the keystream's secrets list.
func (s *SparticSession) OtherPubKeys() []identity.PubKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]identity.PubKey(nil), s.otherPubKeys...)
}

// ReceiveKey handles an inbound key half from a peer (spec.md §4.3
// receiveKey). from must be a member of the session — the router
// enforces that before calling; a violation here is a programming error
// and returns an error without mutating state.
func (s *SparticSession) ReceiveKey(from identity.PubKey, sharedKey [keystream.SecretSize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.otherSet[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from.ShortString())
	}

	existing := s.theirSharedKeys[from]
	if existing != nil && !s.awaitingRotation[from] {
		s.queueProtocolError(from, errTextDuplicateKey)
		return nil
	}

	wasRotation := s.awaitingRotation[from]
	k := sharedKey
	s.theirSharedKeys[from] = &k
	s.awaitingRotation[from] = false

	if s.metrics != nil {
		s.metrics.RecordKeyReceived()
	}

	for _, p := range s.otherPubKeys {
		if s.theirSharedKeys[p] == nil {
			return nil
		}
	}

	s.rebuildKeystreamLocked()

	if !wasRotation && s.currentRound == nil {
		s.logger.Debug("session running: all peer keys received", logging.KeyCount, len(s.otherPubKeys))
		s.advanceRoundLocked()
	}
	return nil
}

// rebuildKeystreamLocked reconstructs the secrets list by iterating
// otherPubKeys in stable order and pushing both halves for each peer
// (spec.md §4.3 step 3), so the XOR-to-zero invariant holds across all
// participants regardless of each session's internal map iteration
// order.
func (s *SparticSession) rebuildKeystreamLocked() {
	if s.keystream != nil {
		s.keystream.Zero()
	}

	secrets := make([][keystream.SecretSize]byte, 0, 2*len(s.otherPubKeys))
	for _, p := range s.otherPubKeys {
		secrets = append(secrets, s.ourSharedKeys[p])
		secrets = append(secrets, *s.theirSharedKeys[p])
	}
	s.keystream = keystream.New(secrets)
}

// ReceiveBlock handles an inbound block from a peer (spec.md §4.3
// receiveBlock).
func (s *SparticSession) ReceiveBlock(from identity.PubKey, sequenceNumber uint64, blockBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.otherSet[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from.ShortString())
	}

	round := s.targetRoundLocked(sequenceNumber)
	if round == nil {
		s.queueProtocolError(from, errTextBadRoundWindow)
		return nil
	}

	block, err := keystream.BlockFromBytes(blockBytes)
	if err != nil {
		s.queueProtocolError(from, errTextWrongBlockSize)
		return nil
	}

	if _, already := round.TheirBlocks[from]; already {
		s.queueProtocolError(from, errTextDuplicateBlock)
		return nil
	}

	round.TheirBlocks[from] = block
	if s.metrics != nil {
		s.metrics.RecordBlockReceived()
	}

	if s.currentRound != nil && round == s.currentRound && round.ready(s.otherPubKeys) {
		s.advanceRoundLocked()
	}
	return nil
}

// targetRoundLocked selects the round a block at sequenceNumber belongs
// to: currentRound if it matches, else nextRound if it matches, else
// nil for out-of-window (spec.md §4.3 step 1, and the pipeline-depth
// invariant in spec.md §3).
func (s *SparticSession) targetRoundLocked(sequenceNumber uint64) *SessionRound {
	if s.currentRound != nil && s.currentRound.SequenceNumber == sequenceNumber {
		return s.currentRound
	}
	if s.nextRound.SequenceNumber == sequenceNumber {
		return s.nextRound
	}
	return nil
}

// ReadyToParticipate reports whether the local participant may call
// ParticipateInRound right now: there is a current round and it hasn't
// produced a local block yet.
func (s *SparticSession) ReadyToParticipate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRound != nil && s.currentRound.OurBlock == nil
}

// ParticipateInRound produces the local participant's block for the
// current round from message (spec.md §4.3 participateInRound).
// message must be exactly keystream.BlockSize bytes. Misuse is a
// local-caller error: it is returned directly and the session's state
// is not mutated.
func (s *SparticSession) ParticipateInRound(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentRound == nil {
		return ErrNoCurrentRound
	}
	if s.currentRound.OurBlock != nil {
		return ErrAlreadyParticipated
	}
	if len(message) != keystream.BlockSize {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongMessageSize, len(message), keystream.BlockSize)
	}

	ks := s.keystream.ReadBlock(s.currentRound.SequenceNumber)
	ourBlock := keystream.XORBytes(ks, message)
	s.currentRound.OurBlock = &ourBlock

	for _, p := range s.otherPubKeys {
		s.enqueueLocked(p, OutboundMessage{
			Kind:           OutboundBlock,
			SequenceNumber: s.currentRound.SequenceNumber,
			Block:          ourBlock,
		})
	}
	if s.metrics != nil {
		s.metrics.RecordBlockSent()
	}

	if s.currentRound.ready(s.otherPubKeys) {
		s.advanceRoundLocked()
	}
	return nil
}

// advanceRoundLocked completes currentRound (if any), appends its
// recovered result, and promotes nextRound into currentRound, allocating
// a fresh nextRound one sequence ahead (spec.md §4.3 advanceRound).
func (s *SparticSession) advanceRoundLocked() {
	if s.currentRound != nil {
		blocks := make([]keystream.Block, 0, 1+len(s.otherPubKeys))
		blocks = append(blocks, *s.currentRound.OurBlock)
		for _, p := range s.otherPubKeys {
			blocks = append(blocks, s.currentRound.TheirBlocks[p])
		}

		result := blocks[0]
		for _, b := range blocks[1:] {
			keystream.XORInto(&result, b)
		}
		s.results = append(s.results, result)

		if s.metrics != nil {
			s.metrics.RecordRoundCompleted(0)
		}
	}

	s.currentRound = s.nextRound
	s.nextRound = newSessionRound(s.currentRound.SequenceNumber + 1)
}

// PopMessage pops the next outbound message queued for peer, FIFO.
func (s *SparticSession) PopMessage(peer identity.PubKey) (OutboundMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[peer]
	if len(q) == 0 {
		return OutboundMessage{}, false
	}
	msg := q[0]
	s.queues[peer] = q[1:]
	return msg, true
}

// QueueDepth reports how many messages are queued for peer, for
// observability (e.g. internal/metrics, internal/router pacing).
func (s *SparticSession) QueueDepth(peer identity.PubKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[peer])
}

// PopResult pops the next completed round's recovered block, FIFO.
func (s *SparticSession) PopResult() (keystream.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.results) == 0 {
		return keystream.Block{}, false
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, true
}

// RotateSecret regenerates the local half of the pairwise secret shared
// with peer and queues a fresh Key message to it (spec.md §9's rekeying
// hook; see SPEC_FULL.md §4 for the full semantics). The session keeps
// using its current keystream until peer's rotated half arrives via
// ReceiveKey.
func (s *SparticSession) RotateSecret(peer identity.PubKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.otherSet[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.ShortString())
	}

	secret, err := GenerateSecret()
	if err != nil {
		return err
	}

	s.ourSharedKeys[peer] = secret
	s.theirSharedKeys[peer] = nil
	s.awaitingRotation[peer] = true

	s.enqueueLocked(peer, OutboundMessage{Kind: OutboundKey, SharedKey: secret})
	return nil
}

func (s *SparticSession) enqueueLocked(peer identity.PubKey, msg OutboundMessage) {
	s.queues[peer] = append(s.queues[peer], msg)
}

// queueProtocolError enqueues an ErrorMessage on from's outbound queue
// and records it in metrics (spec.md §7 surface 1: peer-protocol errors
// are reported this way and never returned as Go errors).
func (s *SparticSession) queueProtocolError(from identity.PubKey, text string) {
	s.enqueueLocked(from, OutboundMessage{Kind: OutboundError, ErrorText: text})
	s.logger.Warn("peer protocol error", logging.KeyPeerID, from.ShortString(), logging.KeyError, text)
	if s.metrics != nil {
		s.metrics.RecordProtocolError(text)
	}
}
