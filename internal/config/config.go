// Package config provides configuration parsing and validation for Spartic.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a complete Spartic node configuration: one local
// identity, a transport listener set, and the groups (spec.md §4.1's
// "fixed set of participants") this node participates in.
type Config struct {
	Identity  IdentityConfig   `yaml:"identity"`
	Logging   LoggingConfig    `yaml:"logging"`
	TLS       GlobalTLSConfig  `yaml:"tls"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Groups    []GroupConfig    `yaml:"groups"`
	Router    RouterConfig     `yaml:"router"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// IdentityConfig controls the local long-term identity (spec.md §6's
// SEED_SIZE seed). Persistence is an external-keystore concern per
// spec.md §6 ("Identity keys, if persisted, live in an external
// keystore") — this config only says where to find or put that seed,
// it never implements the keystore itself.
type IdentityConfig struct {
	// Seed is the hex-encoded 32-byte identity seed, or "auto" to
	// generate a fresh one at startup and write it to SeedFile (if set)
	// for reuse on restart.
	Seed string `yaml:"seed"`

	// SeedFile is an optional path an "auto" seed is persisted to (and
	// read back from, if it already exists).
	SeedFile string `yaml:"seed_file"`
}

// LoggingConfig controls structured logging (internal/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// GlobalTLSConfig defines global TLS settings shared across all
// listeners and peer connections. The CA is used for verifying peer
// certificates and, when mTLS is enabled, client certificates.
type GlobalTLSConfig struct {
	CA    string `yaml:"ca"`     // CA certificate file path
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content (takes precedence)

	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)

	// MTLS enables mutual TLS on listeners (require client certificates).
	MTLS bool `yaml:"mtls"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCA() bool {
	return g.CA != "" || g.CAPEM != ""
}

// HasCert returns true if a certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool {
	return g.Cert != "" || g.CertPEM != ""
}

// HasKey returns true if a private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool {
	return g.Key != "" || g.KeyPEM != ""
}

// ListenerConfig defines a transport listener this node accepts peer
// connections on.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, h2, ws
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for h2/ws
	PlainText bool      `yaml:"plaintext"` // Allow plain WebSocket without TLS (reverse proxy)
	TLS       TLSConfig `yaml:"tls"`
}

// GroupConfig names one group this node is a member of: its groupId
// (spec.md §4.1) and the other participants by public key.
type GroupConfig struct {
	ID    uint64            `yaml:"id"`
	Peers []GroupPeerConfig `yaml:"peers"`
}

// GroupPeerConfig names one other participant of a group and how to
// reach them.
type GroupPeerConfig struct {
	PubKey    string    `yaml:"pub_key"` // hex-encoded 32-byte identity.PubKey
	Transport string    `yaml:"transport"`
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"`
	Proxy     string    `yaml:"proxy"`
	ProxyAuth ProxyAuth `yaml:"proxy_auth"`
	TLS       TLSConfig `yaml:"tls"`
}

// RouterConfig tunes internal/router's optional paced outbound drain
// (SPEC_FULL.md §4's rekeying/pacing supplement; spec.md §9 leaves the
// cadence unspecified).
type RouterConfig struct {
	// DrainInterval, if positive, starts a ticker that drains every
	// session's outbound queues on this cadence instead of requiring the
	// caller to drain after every session call. Zero disables pacing.
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TLSConfig defines per-connection TLS settings that can override
// global settings. For each certificate/key, a file path or inline PEM
// may be given; inline PEM takes precedence.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	// MTLS overrides the global setting for this listener. nil means
	// "use global".
	MTLS *bool `yaml:"mtls,omitempty"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"` // dev only
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCert returns true if a certificate is configured (either file or PEM).
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey returns true if a private key is configured (either file or PEM).
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// HasCA returns true if a CA certificate is configured (either file or PEM).
func (t *TLSConfig) HasCA() bool { return t.CA != "" || t.CAPEM != "" }

// GetEffectiveCertPEM prefers a per-connection override over the global config.
func (c *Config) GetEffectiveCertPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCert() {
		return override.GetCertPEM()
	}
	return c.TLS.GetCertPEM()
}

// GetEffectiveKeyPEM prefers a per-connection override over the global config.
func (c *Config) GetEffectiveKeyPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasKey() {
		return override.GetKeyPEM()
	}
	return c.TLS.GetKeyPEM()
}

// GetEffectiveCAPEM prefers a per-connection override over the global config.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

// ProxyAuth defines proxy authentication for a WebSocket peer connection.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			Seed: "auto",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Listeners: []ListenerConfig{},
		Groups:    []GroupConfig{},
		Router: RouterConfig{
			DrainInterval: 0, // paced draining disabled by default
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateIdentity(); err != nil {
		errs = append(errs, err.Error())
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	for i, l := range c.Listeners {
		if err := c.validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	seenGroups := make(map[uint64]bool, len(c.Groups))
	for i, g := range c.Groups {
		if seenGroups[g.ID] {
			errs = append(errs, fmt.Sprintf("groups[%d]: duplicate group id %d", i, g.ID))
		}
		seenGroups[g.ID] = true
		if err := c.validateGroup(g); err != nil {
			errs = append(errs, fmt.Sprintf("groups[%d]: %v", i, err))
		}
	}

	if c.Router.DrainInterval < 0 {
		errs = append(errs, "router.drain_interval must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if c.Identity.Seed == "" || c.Identity.Seed == "auto" {
		return nil
	}
	decoded, err := hex.DecodeString(c.Identity.Seed)
	if err != nil {
		return fmt.Errorf("identity.seed: invalid hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("identity.seed: must be 32 bytes, got %d", len(decoded))
	}
	return nil
}

func (c *Config) validateGlobalTLS() error {
	if c.TLS.MTLS && !c.TLS.HasCA() {
		return fmt.Errorf("tls.ca is required when tls.mtls is enabled")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must both be specified or both be empty")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "h2", "ws":
		return true
	default:
		return false
	}
}

// validateListener validates a listener configuration, considering global TLS settings.
func (c *Config) validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (l.Transport == "h2" || l.Transport == "ws") && l.Path == "" {
		return fmt.Errorf("path is required for %s transport", l.Transport)
	}
	if l.PlainText {
		if l.Transport != "ws" {
			return fmt.Errorf("plaintext mode is only supported for ws transport (reverse proxy scenarios)")
		}
		return nil
	}

	hasCert := l.TLS.HasCert() || c.TLS.HasCert()
	hasKey := l.TLS.HasKey() || c.TLS.HasKey()
	if !hasCert || !hasKey {
		return fmt.Errorf("tls certificate and key are required (specify in global tls section or per-listener)")
	}

	enableMTLS := c.TLS.MTLS
	if l.TLS.MTLS != nil {
		enableMTLS = *l.TLS.MTLS
	}
	if enableMTLS && !c.TLS.HasCA() {
		return fmt.Errorf("global tls.ca is required when mTLS is enabled")
	}
	return nil
}

// validateGroup checks that a group has at least one peer, that each peer
// is valid, and that no pub_key appears twice. It does not consult the
// global TLS settings.
func (c *Config) validateGroup(g GroupConfig) error {
	if len(g.Peers) == 0 {
		return fmt.Errorf("group %d has no peers", g.ID)
	}
	seenPeers := make(map[string]bool, len(g.Peers))
	for i, p := range g.Peers {
		if err := c.validateGroupPeer(p); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if seenPeers[p.PubKey] {
			return fmt.Errorf("peers[%d]: duplicate peer pub_key %s", i, p.PubKey)
		}
		seenPeers[p.PubKey] = true
	}
	return nil
}

func (c *Config) validateGroupPeer(p GroupPeerConfig) error {
	decoded, err := hex.DecodeString(p.PubKey)
	if err != nil {
		return fmt.Errorf("pub_key: invalid hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("pub_key: must be 32 bytes, got %d", len(decoded))
	}
	if !isValidTransport(p.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", p.Transport)
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if p.TLS.HasCert() != p.TLS.HasKey() {
		return fmt.Errorf("tls cert and key must both be specified or both be empty")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Identity.Seed != "" && redacted.Identity.Seed != "auto" {
		redacted.Identity.Seed = redactedValue
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
		if redacted.Listeners[i].TLS.KeyPEM != "" {
			redacted.Listeners[i].TLS.KeyPEM = redactedValue
		}
	}

	for gi := range redacted.Groups {
		for pi := range redacted.Groups[gi].Peers {
			peer := &redacted.Groups[gi].Peers[pi]
			if peer.ProxyAuth.Password != "" {
				peer.ProxyAuth.Password = redactedValue
			}
			if peer.TLS.Key != "" {
				peer.TLS.Key = redactedValue
			}
			if peer.TLS.KeyPEM != "" {
				peer.TLS.KeyPEM = redactedValue
			}
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Identity.Seed != "" && c.Identity.Seed != "auto" {
		return true
	}
	for _, g := range c.Groups {
		for _, p := range g.Peers {
			if p.ProxyAuth.Password != "" {
				return true
			}
		}
	}
	return false
}
