package link

import (
	"net"
	"testing"
	"time"

	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/keystream"
	"github.com/interfect/spartic/internal/logging"
	"github.com/interfect/spartic/internal/router"
	"github.com/interfect/spartic/internal/session"
	"github.com/interfect/spartic/internal/wire"
)

// pipeStream adapts a net.Conn (from net.Pipe) to transport.Stream for
// tests; Spartic's production streams come from quic-go/nhooyr.io's
// websocket/http2 implementations, none of which are convenient to
// spin up in a unit test.
type pipeStream struct {
	net.Conn
	id uint64
}

func (p *pipeStream) StreamID() uint64    { return p.id }
func (p *pipeStream) CloseWrite() error   { return nil }

func newPipe(id uint64) (*pipeStream, *pipeStream) {
	a, b := net.Pipe()
	return &pipeStream{Conn: a, id: id}, &pipeStream{Conn: b, id: id}
}

func pubKey(b byte) identity.PubKey {
	var k identity.PubKey
	k[0] = b
	return k
}

func TestSendThenRunDeliversToRouter(t *testing.T) {
	clientSide, serverSide := newPipe(1)

	r := router.New(router.WithLogger(logging.NopLogger()))
	peerA := pubKey(1)
	if _, err := r.CreateSession(7, []identity.PubKey{peerA}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	serverLink := New(peerA, serverSide, r, logging.NopLogger())
	done := make(chan error, 1)
	go func() { done <- serverLink.Run() }()

	clientLink := New(peerA, clientSide, r, logging.NopLogger())
	var secret [keystream.SecretSize]byte
	secret[0] = 0x42
	raw, err := wire.EncodeKey(wire.KeyMessage{GroupID: 7, SharedKey: secret})
	if err != nil {
		t.Fatalf("EncodeKey() error = %v", err)
	}
	if err := clientLink.Send(raw); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	s, ok := r.Session(7)
	if !ok {
		t.Fatal("expected session 7 to exist")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == session.StateRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != session.StateRunning {
		t.Error("session 7 never received peerA's key over the link")
	}

	clientSide.Close()
	serverSide.Close()
	<-done
}

// TestRunDispatchesMultipleGroupsOverOneConnection covers spec.md §6's
// multiplexing requirement directly at the Link level: one stream,
// one Link on each end, carrying Key messages for two different groups
// that the same peer belongs to. Run must not be pinned to either
// group's id up front.
func TestRunDispatchesMultipleGroupsOverOneConnection(t *testing.T) {
	clientSide, serverSide := newPipe(3)

	r := router.New(router.WithLogger(logging.NopLogger()))
	peerA := pubKey(1)
	if _, err := r.CreateSession(10, []identity.PubKey{peerA}); err != nil {
		t.Fatalf("CreateSession(10) error = %v", err)
	}
	if _, err := r.CreateSession(20, []identity.PubKey{peerA}); err != nil {
		t.Fatalf("CreateSession(20) error = %v", err)
	}

	serverLink := New(peerA, serverSide, r, logging.NopLogger())
	done := make(chan error, 1)
	go func() { done <- serverLink.Run() }()

	clientLink := New(peerA, clientSide, r, logging.NopLogger())

	var secret10, secret20 [keystream.SecretSize]byte
	secret10[0] = 0x10
	secret20[0] = 0x20

	rawGroup10, err := wire.EncodeKey(wire.KeyMessage{GroupID: 10, SharedKey: secret10})
	if err != nil {
		t.Fatalf("EncodeKey(10) error = %v", err)
	}
	rawGroup20, err := wire.EncodeKey(wire.KeyMessage{GroupID: 20, SharedKey: secret20})
	if err != nil {
		t.Fatalf("EncodeKey(20) error = %v", err)
	}

	if err := clientLink.Send(rawGroup10); err != nil {
		t.Fatalf("Send(group 10) error = %v", err)
	}
	if err := clientLink.Send(rawGroup20); err != nil {
		t.Fatalf("Send(group 20) error = %v", err)
	}

	sessionTen, _ := r.Session(10)
	sessionTwenty, _ := r.Session(20)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessionTen.State() == session.StateRunning && sessionTwenty.State() == session.StateRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sessionTen.State() != session.StateRunning {
		t.Error("group 10's session never received peerA's key over the shared connection")
	}
	if sessionTwenty.State() != session.StateRunning {
		t.Error("group 20's session never received peerA's key over the shared connection")
	}

	clientSide.Close()
	serverSide.Close()
	<-done
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	clientSide, serverSide := newPipe(2)
	defer clientSide.Close()
	defer serverSide.Close()

	r := router.New()
	l := New(pubKey(1), clientSide, r, nil)

	if err := l.Send(make([]byte, maxMessageSize+1)); err == nil {
		t.Fatal("expected an error for an oversized outgoing message")
	}
}
