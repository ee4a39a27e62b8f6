package dohproxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sms1sis/dohproxy/internal/codec"
)

// Supervisor owns every running component of the proxy: the UDP and TCP
// listeners, the bootstrap refresh loop, the optional heartbeat, and the
// shared cache and DoH client they all drive through dispatch.
type Supervisor struct {
	cfg      Config
	obs      *Observability
	cache    *Cache
	resolver Resolver

	bootstrap *BootstrapResolver
	udp       *udpListener
	tcp       *tcpListener

	heartbeatStop chan struct{}
	sweepStop     chan struct{}
}

// Handle is returned by Start and lets the caller stop the proxy and
// inspect its live state.
type Handle struct {
	sup *Supervisor
}

// Stop triggers shutdown: listeners stop accepting new work and Stop waits
// up to a bounded grace period (further bounded by ctx) for in-flight
// queries to finish. Tasks still running when the wait ends are not
// aborted; Stop then returns the context's error. Open TCP connections are
// not closed by Stop; they end when the client closes them or they idle out.
func (h *Handle) Stop(ctx context.Context) error {
	return h.sup.stop(ctx)
}

// Stats returns a point-in-time snapshot of the proxy's counters.
func (h *Handle) Stats() Snapshot {
	return h.sup.obs.Stats.Snapshot()
}

// ClearCache drops every cached entry.
func (h *Handle) ClearCache() {
	h.sup.cache.InvalidateAll()
}

const shutdownGrace = 5 * time.Second

// Start validates cfg, constructs every component, binds the listening
// sockets (with retry), and starts the UDP/TCP listeners, the bootstrap
// refresh loop, and - if enabled - the heartbeat loop.
func Start(cfg Config, obs *Observability) (*Handle, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = NewObservability("default", nil)
	}

	endpointURL := cfg.ResolverURL
	hostname, err := hostnameFromEndpoint(endpointURL)
	if err != nil {
		return nil, &InvalidConfigError{Reason: err.Error()}
	}

	bootstrap := NewBootstrapResolver(hostname, cfg.Bootstrap, cfg.BootstrapForceIPv4, cfg.ConnLossTimeout, obs)

	tlsConfig, err := clientTLSConfig(cfg.CABundlePath)
	if err != nil {
		return nil, &InvalidConfigError{Reason: err.Error()}
	}

	var localAddr net.IP
	if cfg.SourceAddr != "" {
		localAddr = net.ParseIP(cfg.SourceAddr)
	}

	proxyDialer, err := buildProxyDialer(cfg.ProxyURL)
	if err != nil {
		return nil, &InvalidConfigError{Reason: err.Error()}
	}

	dohClient, err := NewDoHClient(endpointURL, DoHClientOptions{
		Bootstrap:       bootstrap,
		Version:         cfg.HTTPVersion,
		LocalAddr:       localAddr,
		TLSConfig:       tlsConfig,
		QueryTimeout:    cfg.ConnLossTimeout,
		IdleConnTimeout: cfg.MaxIdleTime,
		Dialer:          proxyDialer,
	}, obs)
	if err != nil {
		return nil, err
	}

	cache := NewCache(cfg.CacheMaxTTL, obs.Stats)

	s := &Supervisor{
		cfg:           cfg,
		obs:           obs,
		cache:         cache,
		resolver:      dohClient,
		bootstrap:     bootstrap,
		heartbeatStop: make(chan struct{}),
		sweepStop:     make(chan struct{}),
	}

	s.udp, err = newUDPListener(cfg.ListenAddr, s)
	if err != nil {
		return nil, err
	}
	s.tcp, err = newTCPListener(cfg.ListenAddr, cfg.TCPClientCap, s)
	if err != nil {
		return nil, err
	}

	if err := s.udp.Start(); err != nil {
		return nil, err
	}
	if err := s.tcp.Start(); err != nil {
		return nil, err
	}

	go bootstrap.RunRefreshLoop(cfg.BootstrapRefresh)
	go s.runSweepLoop()
	if cfg.Heartbeat.Enabled {
		go s.runHeartbeat()
	}

	return &Handle{sup: s}, nil
}

func (s *Supervisor) runSweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.cache.Sweep()
		}
	}
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.bootstrap.Stop()
	close(s.sweepStop)
	if s.cfg.Heartbeat.Enabled {
		close(s.heartbeatStop)
	}

	grace, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	udpErr := s.udp.Stop(grace)
	tcpErr := s.tcp.Stop(grace)
	if udpErr != nil {
		return udpErr
	}
	return tcpErr
}

// dispatchResult is the outcome of routing one query through the cache and
// resolver. Malformed queries carry no response: UDP drops them silently,
// TCP closes the connection.
type dispatchResult struct {
	response  []byte
	malformed bool
}

// dispatch is the single entry point shared by the UDP listener, the TCP
// listener, and the heartbeat task: parse, consult the cache, resolve on
// miss, and always hand back either a real answer or a SERVFAIL shaped
// like the spec's error-handling table.
func (s *Supervisor) dispatch(ctx context.Context, raw []byte) dispatchResult {
	q, err := codec.ParseQuery(raw)
	if err != nil {
		s.obs.Stats.Malformed.Add(1)
		s.obs.Log.WithError(err).Debug("dropping malformed query")
		return dispatchResult{malformed: true}
	}
	s.obs.Stats.Total.Add(1)

	role, cached, slot := s.cache.GetOrSubscribe(q.Fingerprint)
	switch role {
	case HIT:
		s.obs.Stats.CacheHits.Add(1)
		return dispatchResult{response: withID(cached, q.ID)}

	case LEADER:
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnLossTimeout)
		defer cancel()
		respBytes, rerr := s.resolver.Resolve(reqCtx, raw)
		s.cache.Complete(q.Fingerprint, slot, respBytes, rerr)
		if rerr != nil {
			s.obs.Stats.Errors.Add(1)
			s.obs.Log.WithError(rerr).Warn("upstream query failed")
			return dispatchResult{response: codec.BuildServfail(raw, q)}
		}
		return dispatchResult{response: withID(respBytes, q.ID)}

	default: // SUBSCRIBED
		respBytes, rerr := slot.Wait()
		if rerr != nil {
			return dispatchResult{response: codec.BuildServfail(raw, q)}
		}
		return dispatchResult{response: withID(respBytes, q.ID)}
	}
}

func withID(b []byte, id uint16) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return codec.RewriteID(out, id)
}

func hostnameFromEndpoint(endpoint string) (string, error) {
	// The endpoint may be a URI template (e.g. "{?dns}" for GET); strip any
	// template expression before parsing.
	clean := endpoint
	if i := strings.IndexByte(clean, '{'); i >= 0 {
		clean = clean[:i]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("resolver URL %q has no hostname", endpoint)
	}
	return u.Hostname(), nil
}
