// Package agent wires configuration, identity, the session router, and
// the available transports into one running Spartic node: it starts
// listeners, dials configured peers, and keeps each configured group's
// session draining. Nothing here understands keystreams or rounds —
// that is internal/session and internal/router's job — this package
// only owns process lifecycle, the way the teacher's internal/agent
// owned the mesh agent's lifecycle.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/interfect/spartic/internal/config"
	"github.com/interfect/spartic/internal/identity"
	"github.com/interfect/spartic/internal/link"
	"github.com/interfect/spartic/internal/logging"
	"github.com/interfect/spartic/internal/metrics"
	"github.com/interfect/spartic/internal/recovery"
	"github.com/interfect/spartic/internal/router"
	"github.com/interfect/spartic/internal/transport"
)

// Agent is one running Spartic node: one local identity, participating
// in the groups named by its configuration.
type Agent struct {
	cfg    *config.Config
	id     *identity.Identity
	logger *slog.Logger
	metric *metrics.Metrics

	router     *router.Router
	transports map[transport.TransportType]transport.Transport

	mu        sync.Mutex
	listeners []transport.Listener

	running atomic.Bool
	stopCh  chan struct{}
	stopOnce sync.Once
	wg      sync.WaitGroup
}

// New builds an Agent from cfg without starting anything. It resolves
// the local identity (generating and optionally persisting one for the
// "auto" seed, per spec.md §6's note that persistence is an external
// concern) and constructs one Router, shared across every group.
func New(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	id, err := ResolveIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	transports := map[transport.TransportType]transport.Transport{
		transport.TransportQUIC:      transport.NewQUICTransport(),
		transport.TransportHTTP2:     transport.NewH2Transport(),
		transport.TransportWebSocket: transport.NewWebSocketTransport(),
	}

	r := router.New(router.WithLogger(logger), router.WithMetrics(m))

	return &Agent{
		cfg:        cfg,
		id:         id,
		logger:     logger,
		metric:     m,
		router:     r,
		transports: transports,
		stopCh:     make(chan struct{}),
	}, nil
}

// ResolveIdentity derives the local identity from an IdentityConfig. An
// explicit hex seed always wins; "auto" reads SeedFile if present,
// otherwise generates a fresh identity and writes it to SeedFile (if
// one is set) so the next run reuses it.
func ResolveIdentity(cfg config.IdentityConfig) (*identity.Identity, error) {
	if cfg.Seed != "" && cfg.Seed != "auto" {
		decoded, err := hex.DecodeString(cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("identity.seed: %w", err)
		}
		var seed [identity.SeedSize]byte
		copy(seed[:], decoded)
		return identity.IdentityFromSeed(seed)
	}

	if cfg.SeedFile != "" {
		if data, err := os.ReadFile(cfg.SeedFile); err == nil {
			decoded, err := hex.DecodeString(string(data))
			if err != nil {
				return nil, fmt.Errorf("seed_file %s: %w", cfg.SeedFile, err)
			}
			var seed [identity.SeedSize]byte
			copy(seed[:], decoded)
			return identity.IdentityFromSeed(seed)
		}
	}

	id, err := identity.GenerateIdentity()
	if err != nil {
		return nil, err
	}

	if cfg.SeedFile != "" {
		if err := os.WriteFile(cfg.SeedFile, []byte(hex.EncodeToString(id.Seed[:])), 0o600); err != nil {
			return nil, fmt.Errorf("persist seed_file %s: %w", cfg.SeedFile, err)
		}
	}

	return id, nil
}

// ID returns the local public key.
func (a *Agent) ID() identity.PubKey {
	return a.id.PubKey()
}

// Router exposes the underlying router, mostly for status reporting.
func (a *Agent) Router() *router.Router {
	return a.router
}

// Start creates one session per configured group, starts every
// configured listener, dials every group peer that has an address, and
// starts the router's paced drain if configured.
func (a *Agent) Start() error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting agent", "id", a.ID().ShortString())

	for _, group := range a.cfg.Groups {
		others, err := otherPubKeys(group)
		if err != nil {
			a.running.Store(false)
			return fmt.Errorf("group %d: %w", group.ID, err)
		}
		if _, err := a.router.CreateSession(group.ID, others); err != nil {
			a.running.Store(false)
			return fmt.Errorf("group %d: %w", group.ID, err)
		}
	}

	for _, listenerCfg := range a.cfg.Listeners {
		if err := a.startListener(listenerCfg); err != nil {
			a.running.Store(false)
			return fmt.Errorf("start listener %s: %w", listenerCfg.Address, err)
		}
		a.logger.Info("listener started", "address", listenerCfg.Address, "transport", listenerCfg.Transport)
	}

	// A peer that belongs to more than one configured group is still
	// reached over a single connection (spec.md §6: one peer connection
	// multiplexes every group shared with that peer), so dial each
	// distinct peer address once regardless of how many groups name it.
	dialTargets := make(map[identity.PubKey]config.GroupPeerConfig)
	for _, group := range a.cfg.Groups {
		for _, peerCfg := range group.Peers {
			if peerCfg.Address == "" {
				continue
			}
			peer, err := identity.ParsePubKey(peerCfg.PubKey)
			if err != nil {
				continue // already reported by otherPubKeys above
			}
			if _, dup := dialTargets[peer]; dup {
				continue
			}
			dialTargets[peer] = peerCfg
		}
	}
	for peer, peerCfg := range dialTargets {
		a.wg.Add(1)
		go a.connectToPeer(peer, peerCfg)
	}

	if a.cfg.Router.DrainInterval > 0 {
		a.router.StartPacedDrain(a.cfg.Router.DrainInterval)
	}

	a.logger.Info("agent started", "groups", len(a.cfg.Groups), "listeners", len(a.cfg.Listeners))
	return nil
}

func otherPubKeys(group config.GroupConfig) ([]identity.PubKey, error) {
	keys := make([]identity.PubKey, 0, len(group.Peers))
	for _, p := range group.Peers {
		k, err := identity.ParsePubKey(p.PubKey)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", p.PubKey, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (a *Agent) startListener(cfg config.ListenerConfig) error {
	var tlsConfig *tls.Config
	if !cfg.PlainText {
		var err error
		tlsConfig, err = a.loadListenerTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
	}

	transportType := transport.TransportType(cfg.Transport)
	tr, ok := a.transports[transportType]
	if !ok {
		return fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}

	listener, err := tr.Listen(cfg.Address, transport.ListenOptions{
		TLSConfig: tlsConfig,
		Path:      cfg.Path,
		PlainText: cfg.PlainText,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(listener)
	return nil
}

// loadListenerTLSConfig resolves the effective certificate for a
// listener, generating a self-signed one if none is configured (dev
// convenience, same as the teacher's agent).
func (a *Agent) loadListenerTLSConfig(override config.TLSConfig) (*tls.Config, error) {
	certPEM, err := a.cfg.GetEffectiveCertPEM(&override)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	keyPEM, err := a.cfg.GetEffectiveKeyPEM(&override)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	var cert tls.Certificate
	if certPEM != nil && keyPEM != nil {
		cert, err = tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
	} else {
		certPEM, keyPEM, err = transport.GenerateSelfSignedCert(a.ID().ShortString(), 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		cert, err = tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse generated cert: %w", err)
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{transport.DefaultALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}

	mtls := a.cfg.TLS.MTLS
	if override.MTLS != nil {
		mtls = *override.MTLS
	}
	if mtls {
		caPEM, err := a.cfg.GetEffectiveCAPEM(&override)
		if err != nil {
			return nil, fmt.Errorf("load CA certificate: %w", err)
		}
		if caPEM == nil {
			return nil, fmt.Errorf("tls.ca is required when mtls is enabled")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

func (a *Agent) acceptLoop(listener transport.Listener) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.acceptLoop")

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		peerConn, err := listener.Accept(ctx)
		cancel()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
				a.logger.Debug("accept error", "addr", listener.Addr(), "err", err)
				continue
			}
		}

		a.wg.Add(1)
		go a.handleIncomingConnection(peerConn)
	}
}

func (a *Agent) handleIncomingConnection(peerConn transport.PeerConn) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.handleIncomingConnection")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stream, err := peerConn.AcceptStream(ctx)
	cancel()
	if err != nil {
		a.logger.Debug("accept stream failed", "err", err)
		peerConn.Close()
		return
	}

	peer, err := link.ReadHandshake(stream)
	if err != nil {
		a.logger.Debug("handshake failed", "err", err)
		peerConn.Close()
		return
	}

	// Which group(s), if any, this peer belongs to is decided per
	// message by the router (it knows every group's membership); a
	// connection is accepted here purely on identity.
	a.logger.Info("peer connected", "peer", peer.ShortString())

	l := link.New(peer, stream, a.router, a.logger)
	a.router.AttachMessenger(peer, l)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer recovery.RecoverWithLog(a.logger, "agent.linkRun")
		if err := l.Run(); err != nil {
			a.logger.Debug("link closed", "peer", peer.ShortString(), "err", err)
		}
		a.router.DetachMessenger(peer)
	}()
}

func (a *Agent) connectToPeer(peer identity.PubKey, peerCfg config.GroupPeerConfig) {
	defer a.wg.Done()
	defer recovery.RecoverWithLog(a.logger, "agent.connectToPeer")

	transportType := transport.TransportType(peerCfg.Transport)
	tr, ok := a.transports[transportType]
	if !ok {
		a.logger.Error("unsupported transport type", "transport", peerCfg.Transport)
		return
	}

	dialOpts := transport.DefaultDialOptions()
	dialOpts.ProxyURL = peerCfg.Proxy
	dialOpts.ProxyUsername = peerCfg.ProxyAuth.Username
	dialOpts.ProxyPassword = peerCfg.ProxyAuth.Password

	ctx, cancel := context.WithTimeout(context.Background(), dialOpts.Timeout)
	peerConn, err := tr.Dial(ctx, peerCfg.Address, dialOpts)
	cancel()
	if err != nil {
		a.logger.Warn("dial failed", "peer", peer.ShortString(), "address", peerCfg.Address, "err", err)
		return
	}

	streamCtx, streamCancel := context.WithTimeout(context.Background(), 30*time.Second)
	stream, err := peerConn.OpenStream(streamCtx)
	streamCancel()
	if err != nil {
		a.logger.Warn("open stream failed", "peer", peer.ShortString(), "err", err)
		peerConn.Close()
		return
	}

	if err := link.WriteHandshake(stream, a.ID()); err != nil {
		a.logger.Warn("handshake failed", "peer", peer.ShortString(), "err", err)
		peerConn.Close()
		return
	}

	a.logger.Info("dialed peer", "peer", peer.ShortString(), "address", peerCfg.Address)

	l := link.New(peer, stream, a.router, a.logger)
	a.router.AttachMessenger(peer, l)

	if err := l.Run(); err != nil {
		a.logger.Debug("link closed", "peer", peer.ShortString(), "err", err)
	}
	a.router.DetachMessenger(peer)
	peerConn.Close()
}

// Stop shuts the agent down: stops the paced drain, closes every
// listener, and waits for accept/dial goroutines to finish.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent", "id", a.ID().ShortString())
		a.running.Store(false)
		close(a.stopCh)

		a.router.Stop()

		a.mu.Lock()
		for _, l := range a.listeners {
			l.Close()
		}
		a.listeners = nil
		a.mu.Unlock()

		for _, tr := range a.transports {
			tr.Close()
		}

		a.wg.Wait()
		a.logger.Info("agent stopped", "id", a.ID().ShortString())
	})
	return nil
}

// StopWithContext stops the agent, returning ctx.Err() if it does not
// finish before ctx is done.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start has been called and Stop has not.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Stats summarizes the agent's current state for status reporting.
type Stats struct {
	Groups  int
	Running bool
}

// Stats reports coarse status for CLI and health-check use.
func (a *Agent) Stats() Stats {
	return Stats{Groups: len(a.cfg.Groups), Running: a.IsRunning()}
}
