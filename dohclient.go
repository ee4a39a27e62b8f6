package dohproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jtacoma/uritemplates"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/sms1sis/dohproxy/internal/codec"
)

const (
	maxRetries          = 3
	retryBaseDelay      = 100 * time.Millisecond
	maxIdleConnsPerHost = 32
)

// Dialer is an optional proxy dialer for the upstream transport.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// DoHClientOptions configures the DoH client's transport and retry
// behavior. Start maps a Config onto these options.
type DoHClientOptions struct {
	// Method is "POST" or "GET". Defaults to "POST".
	Method string
	// Bootstrap supplies the pinned IP set to dial instead of resolving
	// the endpoint hostname via the system resolver. May be nil.
	Bootstrap *BootstrapResolver
	// Version selects the HTTP transport.
	Version HTTPVersion
	// LocalAddr optionally binds outbound connections to a local address.
	LocalAddr net.IP
	TLSConfig *tls.Config
	// QueryTimeout is the per-attempt deadline.
	QueryTimeout time.Duration
	// IdleConnTimeout bounds how long an idle connection is kept open.
	IdleConnTimeout time.Duration
	// Dialer optionally routes connections through a SOCKS5 proxy. It is
	// used by the TCP transports only; the HTTP/3 transport ignores it.
	Dialer Dialer
}

// DoHClient translates DNS wire-format queries into RFC 8484 requests
// against a single upstream resolver and returns wire-format responses.
// One instance is shared by every query; internally it's safe for
// concurrent use.
type DoHClient struct {
	endpoint string
	template *uritemplates.UriTemplate
	client   *http.Client
	opt      DoHClientOptions
	obs      *Observability
}

var _ Resolver = &DoHClient{}

// NewDoHClient constructs a DoH client against endpoint (which may be a
// URI template per RFC 8484 when GET is used).
func NewDoHClient(endpoint string, opt DoHClientOptions, obs *Observability) (*DoHClient, error) {
	template, err := uritemplates.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	if opt.Method == "" {
		opt.Method = http.MethodPost
	}
	if opt.Method != http.MethodPost && opt.Method != http.MethodGet {
		return nil, fmt.Errorf("unsupported method %q", opt.Method)
	}
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultConnLossTimeout
	}
	if opt.IdleConnTimeout == 0 {
		opt.IdleConnTimeout = defaultMaxIdleTime
	}

	client, err := opt.client(endpoint)
	if err != nil {
		return nil, err
	}

	return &DoHClient{
		endpoint: endpoint,
		template: template,
		client:   client,
		opt:      opt,
		obs:      obs,
	}, nil
}

func (opt DoHClientOptions) client(endpoint string) (*http.Client, error) {
	var (
		tr  http.RoundTripper
		err error
	)
	switch opt.Version {
	case HTTPForce3:
		tr, err = dohQuicTransport(endpoint, opt)
	default:
		tr, err = dohTCPTransport(opt)
	}
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}

// Resolve sends query upstream and returns the wire-format response. The
// query's transaction id is normalized to 0 before it's sent, per RFC
// 8484 - the id is carried by HTTP request/response correlation, not the
// wire bytes. Makes up to maxRetries attempts (the first one included),
// retrying on network errors and 5xx with exponential backoff and jitter;
// 4xx and protocol violations are not retried.
func (d *DoHClient) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	upstream := make([]byte, len(query))
	copy(upstream, query)
	codec.ZeroID(upstream)

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := d.attempt(ctx, upstream)
		if err == nil {
			d.obs.Stats.ObserveLatency(time.Since(start).Nanoseconds())
			return resp, nil
		}
		lastErr = err

		var status *UpstreamStatus
		if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
			return nil, err
		}
		var protoErr *UpstreamProtocolError
		if errors.As(err, &protoErr) {
			return nil, err
		}

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &TimeoutError{}
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	base := retryBaseDelay * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(100*time.Millisecond))) - 50*time.Millisecond
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (d *DoHClient) attempt(ctx context.Context, query []byte) ([]byte, error) {
	d.obs.Stats.UpstreamRequests.Add(1)

	req, err := d.buildRequest(ctx, query)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamStatus{Code: resp.StatusCode}
	}
	ct := resp.Header.Get("content-type")
	if !strings.HasPrefix(ct, "application/dns-message") {
		return nil, &UpstreamProtocolError{Reason: fmt.Sprintf("unexpected content-type %q", ct)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	if len(body) < 12 {
		return nil, &UpstreamProtocolError{Reason: "response shorter than a DNS header"}
	}
	return body, nil
}

func (d *DoHClient) buildRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	if d.opt.Method == http.MethodGet {
		b64 := base64.RawURLEncoding.EncodeToString(msg)
		u, err := d.template.Expand(map[string]interface{}{"dns": b64})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("accept", "application/dns-message")
		return req, nil
	}

	u, err := d.template.Expand(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/dns-message")
	req.Header.Set("content-type", "application/dns-message")
	return req, nil
}

func dohTCPTransport(opt DoHClientOptions) (http.RoundTripper, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       opt.TLSConfig,
		DisableCompression:    true,
		ResponseHeaderTimeout: opt.QueryTimeout,
		IdleConnTimeout:       opt.IdleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
	}
	if opt.Version == HTTPForce11 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else if tr.TLSClientConfig != nil {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, err
		}
	}

	if opt.Bootstrap != nil || opt.LocalAddr != nil || opt.Dialer != nil {
		d := net.Dialer{LocalAddr: &net.TCPAddr{IP: opt.LocalAddr}}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			addr = pinAddr(addr, opt.Bootstrap)
			if opt.Dialer != nil {
				return opt.Dialer.Dial(network, addr)
			}
			return d.DialContext(ctx, network, addr)
		}
	}
	return tr, nil
}

func dohQuicTransport(endpoint string, opt DoHClientOptions) (http.RoundTripper, error) {
	var tlsConfig *tls.Config
	if opt.TLSConfig == nil {
		tlsConfig = new(tls.Config)
	} else {
		tlsConfig = opt.TLSConfig.Clone()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(100)
	tlsConfig.ServerName = u.Hostname()

	lAddr := net.IPv4zero
	if opt.LocalAddr != nil {
		lAddr = opt.LocalAddr
	}

	dialer := func(ctx context.Context, addr string, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
		addr = pinAddr(addr, opt.Bootstrap)
		return newQuicConnection(u.Hostname(), addr, lAddr, tlsConfig, config)
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			TokenStore: quic.NewLRUTokenStore(10, 10),
		},
		Dial: dialer,
	}
	return tr, nil
}

// pinAddr replaces addr's host with an IP from the bootstrap resolver's
// current snapshot, if one is configured and has resolved at least one
// address. The port is preserved so SNI (set separately, from the
// configured hostname) and the dial target can differ.
func pinAddr(addr string, bootstrap *BootstrapResolver) string {
	if bootstrap == nil {
		return addr
	}
	ips := bootstrap.Snapshot()
	if len(ips) == 0 {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := ips[rand.Intn(len(ips))]
	return net.JoinHostPort(ip.String(), port)
}

// buildProxyDialer constructs a Dialer from a proxy URL. Only "socks5://"
// (via golang.org/x/net/proxy) is supported; any other scheme, including
// "http://" and "https://", returns an error. An empty URL returns a nil
// Dialer.
func buildProxyDialer(proxyURL string) (Dialer, error) {
	if proxyURL == "" {
		return nil, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return socks5Dialer{d}, nil
}

type socks5Dialer struct {
	d proxy.Dialer
}

func (s socks5Dialer) Dial(network, addr string) (net.Conn, error) {
	return s.d.Dial(network, addr)
}

// quicConnection wraps quic.EarlyConnection and transparently reconnects
// when a stream open fails due to a timed-out or otherwise dead
// connection. quic-go's http3 RoundTripper doesn't manage reconnection on
// its own.
type quicConnection struct {
	quic.EarlyConnection

	hostname  string
	rAddr     string
	lAddr     net.IP
	tlsConfig *tls.Config
	config    *quic.Config
	mu        sync.Mutex
	udpConn   *net.UDPConn
}

func newQuicConnection(hostname, rAddr string, lAddr net.IP, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
	connection, udpConn, err := quicDial(context.Background(), hostname, rAddr, lAddr, tlsConfig, config)
	if err != nil {
		return nil, err
	}
	return &quicConnection{
		hostname:        hostname,
		rAddr:           rAddr,
		lAddr:           lAddr,
		tlsConfig:       tlsConfig,
		config:          config,
		udpConn:         udpConn,
		EarlyConnection: connection,
	}, nil
}

func (s *quicConnection) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, err := s.EarlyConnection.OpenStreamSync(ctx)
	if netErr, ok := err.(net.Error); ok && (netErr.Timeout() || netErr.Temporary()) {
		if err = s.reconnect(); err != nil {
			return nil, err
		}
		stream, err = s.EarlyConnection.OpenStreamSync(ctx)
	}
	return stream, err
}

func (s *quicConnection) OpenStream() (quic.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, err := s.EarlyConnection.OpenStream()
	if netErr, ok := err.(net.Error); ok && (netErr.Timeout() || netErr.Temporary()) {
		if err = s.reconnect(); err != nil {
			return nil, err
		}
		stream, err = s.EarlyConnection.OpenStream()
	}
	return stream, err
}

func (s *quicConnection) NextConnection(context.Context) (quic.Connection, error) {
	return nil, errors.New("not implemented")
}

// reconnect must be called with s.mu held.
func (s *quicConnection) reconnect() error {
	_ = s.EarlyConnection.CloseWithError(0, "")
	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	earlyConn, udpConn, err := quicDial(context.Background(), s.hostname, s.rAddr, s.lAddr, s.tlsConfig, s.config)
	if err != nil {
		return err
	}
	s.EarlyConnection = earlyConn
	s.udpConn = udpConn
	return nil
}

func quicDial(ctx context.Context, hostname, rAddr string, lAddr net.IP, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, *net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", rAddr)
	if err != nil {
		return nil, nil, err
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: lAddr, Port: 0})
	if err != nil {
		return nil, nil, err
	}
	earlyConn, err := quic.DialEarly(ctx, udpConn, udpAddr, tlsConfig, config)
	if err != nil {
		_ = udpConn.Close()
		return nil, nil, err
	}
	return earlyConn, udpConn, nil
}
