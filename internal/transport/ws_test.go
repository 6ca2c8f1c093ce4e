package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/interfect/spartic/internal/keystream"
	"github.com/interfect/spartic/internal/wire"
)

func TestWebSocketTransportType(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if tr.Type() != TransportWebSocket {
		t.Errorf("Type() = %s, want %s", tr.Type(), TransportWebSocket)
	}
}

func TestWebSocketTransportListenDialClose(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	clientTLS := &tls.Config{InsecureSkipVerify: true}

	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS, Path: "/spartic"})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	var serverConn PeerConn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverConn, acceptErr = listener.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "wss://" + addr + "/spartic"
	clientConn, err := tr.Dial(ctx, wsURL, DialOptions{TLSConfig: clientTLS, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverConn.Close()

	if !clientConn.IsDialer() {
		t.Error("dialer side IsDialer() = false")
	}
	if serverConn.IsDialer() {
		t.Error("accepted side IsDialer() = true")
	}
}

// TestWebSocketTransportCarriesBlockMessages pushes several
// wire-encoded BlockMessage payloads across one stream, echoed back by
// the peer — the shape and volume a running session's round
// advancement actually produces (spec.md §4.3), rather than a fixed
// set of arbitrary test strings.
func TestWebSocketTransportCarriesBlockMessages(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, _ := TLSConfigFromBytes(certPEM, keyPEM)
	clientTLS := &tls.Config{InsecureSkipVerify: true}

	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS, Path: "/spartic"})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	const rounds = 5
	payloads := make([][]byte, rounds)
	for i := 0; i < rounds; i++ {
		var block [keystream.BlockSize]byte
		block[0] = byte(i)
		raw, err := wire.EncodeBlock(wire.BlockMessage{GroupID: 9, SequenceNumber: uint64(i), Block: block})
		if err != nil {
			t.Fatalf("EncodeBlock(%d) error = %v", i, err)
		}
		payloads[i] = raw
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx := context.Background()
		conn, err := listener.Accept(ctx)
		if err != nil {
			t.Errorf("Accept() error = %v", err)
			return
		}
		defer conn.Close()

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.Errorf("AcceptStream() error = %v", err)
			return
		}

		for i := 0; i < rounds; i++ {
			buf := make([]byte, len(payloads[i]))
			n, err := stream.Read(buf)
			if err != nil {
				t.Errorf("round %d: Read() error = %v", i, err)
				return
			}
			if _, err := stream.Write(buf[:n]); err != nil {
				t.Errorf("round %d: Write() error = %v", i, err)
				return
			}
		}
	}()

	ctx := context.Background()
	wsURL := "wss://" + addr + "/spartic"
	clientConn, err := tr.Dial(ctx, wsURL, DialOptions{TLSConfig: clientTLS})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	stream, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	for i := 0; i < rounds; i++ {
		if _, err := stream.Write(payloads[i]); err != nil {
			t.Fatalf("round %d: Write() error = %v", i, err)
		}

		buf := make([]byte, len(payloads[i]))
		n, err := stream.Read(buf)
		if err != nil {
			t.Fatalf("round %d: Read() error = %v", i, err)
		}

		decoded, groupID, err := wire.Decode(buf[:n])
		if err != nil {
			t.Fatalf("round %d: Decode() error = %v", i, err)
		}
		if groupID != 9 {
			t.Errorf("round %d: groupID = %d, want 9", i, groupID)
		}
		block, ok := decoded.(*wire.BlockMessage)
		if !ok {
			t.Fatalf("round %d: decoded %T, want *wire.BlockMessage", i, decoded)
		}
		if block.SequenceNumber != uint64(i) {
			t.Errorf("round %d: sequence = %d, want %d", i, block.SequenceNumber, i)
		}
	}

	<-done
}

func TestWebSocketTransportDialOnClosedTransport(t *testing.T) {
	tr := NewWebSocketTransport()
	tr.Close()

	ctx := context.Background()
	if _, err := tr.Dial(ctx, "wss://localhost:443/spartic", DialOptions{}); err == nil {
		t.Error("Dial() should fail on a closed transport")
	}
}

func TestWebSocketTransportListenOnClosedTransport(t *testing.T) {
	tr := NewWebSocketTransport()
	tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: &tls.Config{}}); err == nil {
		t.Error("Listen() should fail on a closed transport")
	}
}

func TestWebSocketTransportListenRequiresTLS(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen() should require a TLS config")
	}
}

func TestParseWebSocketURL(t *testing.T) {
	tests := []struct {
		addr     string
		expected string
	}{
		{"wss://localhost:443/spartic", "wss://localhost:443/spartic"},
		{"ws://localhost:8080/spartic", "ws://localhost:8080/spartic"},
		{"localhost:443", "wss://localhost:443/spartic"},
		// Bare host:port always resolves to wss:// — a group member never
		// dials a peer over an unauthenticated, unencrypted socket by
		// accident just because it omitted the scheme.
		{"localhost:8080", "wss://localhost:8080/spartic"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			result := parseWebSocketURL(tt.addr)
			if result != tt.expected {
				t.Errorf("parseWebSocketURL() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestWebSocketStreamID(t *testing.T) {
	stream := &WebSocketStream{id: 42}
	if stream.StreamID() != 42 {
		t.Errorf("StreamID() = %d, want 42", stream.StreamID())
	}
}

func TestWebSocketTransportPlainTextListen(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{Path: "/spartic", PlainText: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	var serverConn PeerConn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverConn, acceptErr = listener.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + addr + "/spartic"
	clientConn, err := tr.Dial(ctx, wsURL, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverConn.Close()

	if !clientConn.IsDialer() {
		t.Error("dialer side IsDialer() = false")
	}
	if serverConn.IsDialer() {
		t.Error("accepted side IsDialer() = true")
	}
	if clientConn.TransportType() != TransportWebSocket {
		t.Errorf("TransportType() = %s, want %s", clientConn.TransportType(), TransportWebSocket)
	}
}

func TestWebSocketTransportPlainTextCarriesKeyMessage(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{Path: "/spartic", PlainText: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	var secret [keystream.SecretSize]byte
	secret[0] = 0x99
	payload, err := wire.EncodeKey(wire.KeyMessage{GroupID: 3, SharedKey: secret})
	if err != nil {
		t.Fatalf("EncodeKey() error = %v", err)
	}

	serverResult := make(chan error, 1)
	clientConnected := make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conn, err := listener.Accept(ctx)
		if err != nil {
			serverResult <- err
			return
		}
		defer conn.Close()
		close(clientConnected)

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverResult <- err
			return
		}

		buf := make([]byte, len(payload))
		n, err := stream.Read(buf)
		if err != nil {
			serverResult <- err
			return
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			serverResult <- err
			return
		}
		serverResult <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws://" + addr + "/spartic"
	clientConn, err := tr.Dial(ctx, wsURL, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientConn.Close()

	select {
	case <-clientConnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to accept connection")
	}

	stream, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	decoded, groupID, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if groupID != 3 {
		t.Errorf("groupID = %d, want 3", groupID)
	}
	if _, ok := decoded.(*wire.KeyMessage); !ok {
		t.Errorf("decoded %T, want *wire.KeyMessage", decoded)
	}

	select {
	case err := <-serverResult:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for server result")
	}
}

func TestWebSocketTransportPlainTextRequiresExplicitFlag(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{Path: "/spartic"}); err == nil {
		t.Error("Listen() should fail without a TLS config or the PlainText flag")
	}

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{Path: "/spartic", PlainText: true})
	if err != nil {
		t.Fatalf("Listen() with PlainText should succeed: %v", err)
	}
	listener.Close()
}
