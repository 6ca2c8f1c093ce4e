package link

import (
	"fmt"
	"io"

	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/transport"
)

// handshakeSize is the length of the preamble a dialer writes before
// switching a stream over to ordinary wire frames: just the dialer's
// public key. Nothing in spec.md names this exchange — it has no
// opinion on how a transport connection learns which peer it belongs
// to — but an accepted transport.PeerConn is otherwise just bytes, and
// Router.HandleInbound needs to know who sent a frame, so this preamble
// supplies it.
//
// The key is sent as-is, with no signature and no challenge: the
// acceptor learns which key the dialer announces, and the handshake
// does not prove that the dialer holds the matching private key.
//
// The handshake carries no groupId: spec.md §6 requires that one peer
// connection multiplex every group shared with that peer, so pinning a
// connection to one group here would make that impossible. Each
// frame's groupId travels inside its own internal/wire envelope
// instead, and the router dispatches on that.
const handshakeSize = identity.PubKeySize

// WriteHandshake sends the dialer-side preamble identifying self, after
// which stream is ready for ordinary Link use.
func WriteHandshake(stream transport.Stream, self identity.PubKey) error {
	var buf [handshakeSize]byte
	copy(buf[:], self.Bytes())
	if _, err := stream.Write(buf[:]); err != nil {
		return fmt.Errorf("link: write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads the dialer-side preamble off an accepted stream
// and reports which peer announced itself.
func ReadHandshake(stream transport.Stream) (peer identity.PubKey, err error) {
	var buf [handshakeSize]byte
	if _, err := io.ReadFull(stream, buf[:]); err != nil {
		return identity.PubKey{}, fmt.Errorf("link: read handshake: %w", err)
	}
	peer, err = identity.PubKeyFromBytes(buf[:])
	if err != nil {
		return identity.PubKey{}, fmt.Errorf("link: handshake pubkey: %w", err)
	}
	return peer, nil
}
