package dohproxy

import "time"

// HTTPVersion selects which HTTP transport the DoH client negotiates.
type HTTPVersion int

const (
	// HTTPAuto lets the transport negotiate 1.1 or 2 via ALPN.
	HTTPAuto HTTPVersion = iota
	// HTTPForce11 disables HTTP/2 negotiation.
	HTTPForce11
	// HTTPForce3 connects directly over QUIC/HTTP3.
	HTTPForce3
)

// HeartbeatConfig configures the periodic synthetic query used to keep
// upstream connections warm and populate latency telemetry.
type HeartbeatConfig struct {
	Enabled  bool
	Domain   string
	Interval time.Duration
}

// Config is the full set of options recognized by the proxy core. The
// collaborator CLI/config-file layer is responsible for producing one of
// these; the core only validates and applies defaults.
type Config struct {
	// ListenAddr is the "host:port" the UDP and TCP listeners bind to.
	ListenAddr string

	// TCPClientCap is the maximum number of simultaneous TCP connections.
	// Defaults to 20.
	TCPClientCap int

	// Bootstrap is the set of plaintext DNS servers ("ip:port" or bare IP,
	// in which case port 53 is assumed) used to resolve ResolverURL's
	// hostname.
	Bootstrap []string
	// BootstrapForceIPv4 restricts bootstrap resolution to A records.
	BootstrapForceIPv4 bool
	// BootstrapRefresh is how often the bootstrap resolver re-resolves.
	// Defaults to 120s.
	BootstrapRefresh time.Duration

	// ResolverURL is the DoH endpoint, e.g.
	// "https://dns.example.com/dns-query{?dns}".
	ResolverURL string

	// MaxIdleTime bounds how long an idle upstream connection is kept
	// open. Defaults to 118s.
	MaxIdleTime time.Duration
	// ConnLossTimeout is the per-request deadline. Defaults to 15s.
	ConnLossTimeout time.Duration
	// HTTPVersion selects the transport. Defaults to HTTPAuto.
	HTTPVersion HTTPVersion

	// ProxyURL optionally routes upstream connections through a SOCKS5
	// proxy, e.g. "socks5://127.0.0.1:1080". Only the socks5 scheme is
	// accepted; an HTTP proxy URL makes Start fail with InvalidConfigError.
	ProxyURL string
	// SourceAddr optionally binds outbound connections to a local address.
	SourceAddr string
	// CABundlePath optionally overrides the platform trust store for
	// validating the upstream's certificate.
	CABundlePath string

	// CacheMaxTTL clamps how long any entry can live in the cache,
	// regardless of the TTL the upstream returned. Zero means no clamp.
	CacheMaxTTL time.Duration

	Heartbeat HeartbeatConfig
}

const (
	defaultTCPClientCap     = 20
	defaultBootstrapRefresh = 120 * time.Second
	defaultMaxIdleTime      = 118 * time.Second
	defaultConnLossTimeout  = 15 * time.Second
)

// setDefaults backfills zero-valued fields with the documented defaults.
func (c *Config) setDefaults() {
	if c.TCPClientCap == 0 {
		c.TCPClientCap = defaultTCPClientCap
	}
	if c.BootstrapRefresh == 0 {
		c.BootstrapRefresh = defaultBootstrapRefresh
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = defaultMaxIdleTime
	}
	if c.ConnLossTimeout == 0 {
		c.ConnLossTimeout = defaultConnLossTimeout
	}
}

// validate rejects configurations missing the fields the core cannot
// function without.
func (c *Config) validate() error {
	if c.ResolverURL == "" {
		return &InvalidConfigError{Reason: "resolver URL is required"}
	}
	if len(c.Bootstrap) == 0 {
		return &InvalidConfigError{Reason: "at least one bootstrap DNS server is required"}
	}
	if c.ListenAddr == "" {
		return &InvalidConfigError{Reason: "listen address is required"}
	}
	return nil
}
