// Package link adapts a transport.Stream into the Messenger a Router
// drains onto, and runs the read side that turns incoming bytes back
// into HandleInbound calls. Spec.md §6 treats the transport as an
// opaque message-oriented, length-prefixed channel; internal/wire's
// codec only knows how to encode and decode one message at a time, so
// this package supplies the length prefix the teacher's own
// internal/protocol.Frame header provided for its own frames.
package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/recovery"
	"github.com/interfect/spartic/internal/router"
	"github.com/interfect/spartic/internal/transport"
)

// maxMessageSize bounds a single frame's length prefix. A BlockMessage
// is a little over keystream.BlockSize plus a handful of header bytes;
// this leaves generous room without letting a hostile peer claim an
// unbounded allocation.
const maxMessageSize = 1 << 20

// Link wires one transport.Stream to the session traffic of every group
// shared with one peer, via the Router. Send serializes concurrent
// sends; Run blocks reading frames until the stream errors or closes.
type Link struct {
	peer   identity.PubKey
	stream transport.Stream
	router *router.Router
	logger *slog.Logger

	writeMu sync.Mutex
}

// New returns a Link that will deliver inbound frames on stream to r
// as if sent by peer, and that Send serializes onto stream.
func New(peer identity.PubKey, stream transport.Stream, r *router.Router, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{peer: peer, stream: stream, router: r, logger: logger}
}

// Send implements router.Messenger by writing one length-prefixed frame.
func (l *Link) Send(data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("link: outgoing message of %d bytes exceeds %d byte limit", len(data), maxMessageSize)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := l.stream.Write(header[:]); err != nil {
		return fmt.Errorf("link: write length prefix: %w", err)
	}
	if _, err := l.stream.Write(data); err != nil {
		return fmt.Errorf("link: write payload: %w", err)
	}
	return nil
}

// Run reads length-prefixed frames from the stream until it errors or
// closes, handing each one to the router as an inbound message from
// l.peer. It returns the error that ended the loop (io.EOF on a clean
// close).
//
// One connection to a peer carries traffic for every group that peer
// and this node share (spec.md §6), so Run does not pin itself to a
// single group: each frame's groupId is whatever internal/wire decodes
// out of its own envelope, and the router dispatches on that.
func (l *Link) Run() error {
	defer recovery.RecoverWithLog(l.logger, "link.Run")

	var header [4]byte
	for {
		if _, err := io.ReadFull(l.stream, header[:]); err != nil {
			return err
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxMessageSize {
			return fmt.Errorf("link: incoming frame of %d bytes exceeds %d byte limit", length, maxMessageSize)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(l.stream, payload); err != nil {
			return err
		}

		if err := l.router.HandleInbound(l.peer, payload); err != nil {
			l.logger.Warn("dropping unroutable frame", "peer", l.peer.ShortString(), "err", err)
		}
	}
}
