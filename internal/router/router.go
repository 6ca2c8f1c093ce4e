// Package router implements the thin session demultiplexer described by
// spec.md §4.1: a table of sessions keyed by groupId, and a table of
// live per-peer messengers keyed by long-term public key. The router
// owns no protocol state of its own — everything it does is either
// table lookups or calls into internal/session — matching spec.md's
// explicit instruction to keep this layer "thin" (spec.md's size table
// gives it 15% against the session's 55%).
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/logging"
	"github.com/interfect/spartic/internal/metrics"
	"github.com/interfect/spartic/internal/session"
	"github.com/interfect/spartic/internal/wire"
)

// Messenger is the live, per-peer send path the router drains outbound
// session messages onto. It is the narrow slice of internal/transport's
// PeerConn/Stream contract the router actually needs (spec.md §6's
// "Transport interface the core consumes" collapsed to one method),
// kept separate so the router can be tested without a real transport.
type Messenger interface {
	Send(data []byte) error
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink, also passed through to every
// session the router creates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Router demultiplexes inbound transport messages onto sessions by
// (groupId, senderPubKey), and drains session outbound queues onto live
// messengers (spec.md §4.1).
type Router struct {
	mu sync.Mutex

	sessions   map[uint64]*session.SparticSession
	messengers map[identity.PubKey]Messenger

	logger  *slog.Logger
	metrics *metrics.Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		sessions:   make(map[uint64]*session.SparticSession),
		messengers: make(map[identity.PubKey]Messenger),
		logger:     logging.NopLogger(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrGroupExists is returned by CreateSession when groupId is already
// in use. Group membership is fixed at session creation (spec.md §4.1),
// so re-creating a group under a live session would silently orphan it;
// the router refuses instead (SPEC_FULL.md §4's duplicate-group guard).
var ErrGroupExists = fmt.Errorf("router: group already has a session")

// CreateSession instantiates a session for groupID against the given
// peers (spec.md §4.1 createSession). The returned session has already
// enqueued its initial Key messages; the caller is responsible for
// calling DrainOutbound (directly or via StartPacedDrain) to actually
// send them once messengers are attached.
func (r *Router) CreateSession(groupID uint64, otherPubKeys []identity.PubKey, opts ...session.Option) (*session.SparticSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[groupID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrGroupExists, groupID)
	}

	sessionOpts := append([]session.Option{session.WithLogger(r.logger), session.WithMetrics(r.metrics)}, opts...)
	s, err := session.New(otherPubKeys, sessionOpts...)
	if err != nil {
		return nil, err
	}

	r.sessions[groupID] = s
	r.logger.Info("session created", logging.KeyGroupID, groupID, logging.KeyCount, len(otherPubKeys))
	return s, nil
}

// Session looks up the session for groupID.
func (r *Router) Session(groupID uint64) (*session.SparticSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[groupID]
	return s, ok
}

// DropSession removes groupID's session from the table. The session
// itself has no teardown step (spec.md §3: "no terminal state... an
// embedding application drops a session by ceasing to call it"); this
// just stops the router from routing to it.
func (r *Router) DropSession(groupID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, groupID)
}

// AttachMessenger registers the live send path for peer. Until a peer
// has a messenger attached, outbound messages queued for it accumulate
// in the session and are drained once one appears.
func (r *Router) AttachMessenger(peer identity.PubKey, m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messengers[peer] = m
}

// DetachMessenger removes peer's live send path, e.g. on disconnect.
func (r *Router) DetachMessenger(peer identity.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messengers, peer)
}

// HandleInbound decodes one raw message received from sender and
// dispatches it to the session named by the message's own groupId
// (spec.md §4.1 "Inbound dispatch"). The groupId always comes from the
// decoded envelope, never from the caller: spec.md §6 requires that one
// peer connection multiplex every group shared with that peer, so the
// transport layer has no business knowing which group a given frame
// belongs to ahead of decoding it. Cross-group delivery is refused: if
// no session exists for the decoded groupId, or sender is not a member
// of that session's group, an ErrorMessage is sent back to sender
// instead of ever reaching a session — a session never even sees
// traffic for a group it isn't part of.
func (r *Router) HandleInbound(sender identity.PubKey, raw []byte) error {
	decoded, groupID, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("router: decode inbound message: %w", err)
	}

	unexpected := "unexpected key"
	if _, isBlock := decoded.(*wire.BlockMessage); isBlock {
		unexpected = "unexpected block"
	}
	s, ok := r.Session(groupID)
	if !ok {
		r.replyUnexpected(groupID, sender, unexpected)
		return nil
	}
	if !isMember(s, sender) {
		r.replyUnexpected(groupID, sender, unexpected)
		return nil
	}

	switch m := decoded.(type) {
	case *wire.KeyMessage:
		return s.ReceiveKey(sender, m.SharedKey)
	case *wire.BlockMessage:
		return s.ReceiveBlock(sender, m.SequenceNumber, m.Block[:])
	case *wire.ErrorMessage:
		r.logger.Warn("peer reported protocol error", logging.KeyGroupID, groupID, logging.KeyPeerID, sender.ShortString(), logging.KeyError, m.Text)
		return nil
	default:
		return fmt.Errorf("router: unrecognized decoded message type %T", decoded)
	}
}

func isMember(s *session.SparticSession, peer identity.PubKey) bool {
	for _, p := range s.OtherPubKeys() {
		if p == peer {
			return true
		}
	}
	return false
}

// replyUnexpected sends a router-level ErrorMessage to sender when no
// session exists for groupID, or sender isn't a member of it (spec.md
// §7's "unexpected key / unexpected block" router error kind). Best
// effort: if sender has no live messenger, the reply is dropped, same
// as any other outbound message to an unreachable peer.
func (r *Router) replyUnexpected(groupID uint64, sender identity.PubKey, text string) {
	r.mu.Lock()
	m, ok := r.messengers[sender]
	r.mu.Unlock()
	if !ok {
		return
	}

	data, err := wire.EncodeError(wire.ErrorMessage{GroupID: groupID, Text: text})
	if err != nil {
		return
	}
	if err := m.Send(data); err != nil {
		r.logger.Warn("failed to send router error reply", logging.KeyPeerID, sender.ShortString(), logging.KeyError, err.Error())
	}
	if r.metrics != nil {
		r.metrics.RecordProtocolError(text)
	}
}

// DrainOutbound sends every currently-queued outbound message for
// groupID's session to each peer with a live messenger, in FIFO order
// per peer (spec.md §4.1 sendSessionMessages). Peers without a live
// messenger are left queued for a later drain.
func (r *Router) DrainOutbound(groupID uint64) error {
	s, ok := r.Session(groupID)
	if !ok {
		return fmt.Errorf("router: no session for group %d", groupID)
	}

	for _, peer := range s.OtherPubKeys() {
		r.mu.Lock()
		m, live := r.messengers[peer]
		r.mu.Unlock()
		if !live {
			continue
		}

		for {
			msg, ok := s.PopMessage(peer)
			if !ok {
				break
			}
			data, err := encode(groupID, msg)
			if err != nil {
				r.logger.Error("failed to encode outbound message", logging.KeyGroupID, groupID, logging.KeyPeerID, peer.ShortString(), logging.KeyError, err.Error())
				continue
			}
			if err := m.Send(data); err != nil {
				r.logger.Warn("failed to send outbound message", logging.KeyPeerID, peer.ShortString(), logging.KeyError, err.Error())
			}
		}
	}
	return nil
}

func encode(groupID uint64, msg session.OutboundMessage) ([]byte, error) {
	switch msg.Kind {
	case session.OutboundKey:
		return wire.EncodeKey(wire.KeyMessage{GroupID: groupID, SharedKey: msg.SharedKey})
	case session.OutboundBlock:
		return wire.EncodeBlock(wire.BlockMessage{GroupID: groupID, SequenceNumber: msg.SequenceNumber, Block: msg.Block})
	case session.OutboundError:
		return wire.EncodeError(wire.ErrorMessage{GroupID: groupID, Text: msg.ErrorText})
	default:
		return nil, fmt.Errorf("router: unrecognized outbound message kind %v", msg.Kind)
	}
}

// StartPacedDrain begins draining every active session's outbound
// queues once per interval, instead of requiring the embedding
// application to call DrainOutbound itself after every
// ParticipateInRound/ReceiveKey/ReceiveBlock call. This is the paced
// transmission hook spec.md §9 leaves as an open question for layers
// above the session (see SPEC_FULL.md §4); it is strictly optional.
func (r *Router) StartPacedDrain(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.drainAll()
			}
		}
	}()
}

func (r *Router) drainAll() {
	r.mu.Lock()
	groupIDs := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		groupIDs = append(groupIDs, id)
	}
	r.mu.Unlock()

	for _, id := range groupIDs {
		if err := r.DrainOutbound(id); err != nil {
			r.logger.Error("paced drain failed", logging.KeyGroupID, id, logging.KeyError, err.Error())
		}
	}
}

// Stop halts any paced drain goroutine started by StartPacedDrain. It
// is safe to call even if StartPacedDrain was never called.
func (r *Router) Stop() {
	select {
	case <-r.stop:
		// already stopped
	default:
		close(r.stop)
	}
	r.wg.Wait()
}
