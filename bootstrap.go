package dohproxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// BootstrapResolver resolves the DoH endpoint's hostname to a set of IPs
// via plaintext DNS to a configured list of bootstrap servers, and keeps
// that set fresh on a schedule. Readers always see a consistent snapshot:
// the pointer swap on refresh is atomic, so a read never observes a mix of
// the old and new sets.
type BootstrapResolver struct {
	hostname  string
	forceIPv4 bool
	clients   []*DNSClient
	obs       *Observability
	snapshot  atomic.Value // []net.IP
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewBootstrapResolver builds a resolver for hostname using the given
// bootstrap server addresses ("ip:port", or a bare IP, in which case port
// 53 is assumed).
func NewBootstrapResolver(hostname string, servers []string, forceIPv4 bool, timeout time.Duration, obs *Observability) *BootstrapResolver {
	clients := make([]*DNSClient, 0, len(servers))
	for _, s := range servers {
		addr := s
		if _, _, err := net.SplitHostPort(s); err != nil {
			addr = net.JoinHostPort(s, "53")
		}
		clients = append(clients, NewDNSClient(addr, "udp", timeout, obs))
	}
	b := &BootstrapResolver{
		hostname:  dns.Fqdn(hostname),
		forceIPv4: forceIPv4,
		clients:   clients,
		obs:       obs,
		stopCh:    make(chan struct{}),
	}
	b.snapshot.Store([]net.IP{})
	return b
}

// Snapshot returns the currently pinned IP set. Safe for concurrent use;
// never returns a partially-updated slice.
func (b *BootstrapResolver) Snapshot() []net.IP {
	return b.snapshot.Load().([]net.IP)
}

// Resolve issues A (and, unless forceIPv4, AAAA) queries to every
// bootstrap server in parallel and returns the union of all answers. On
// total failure it returns the previous successful snapshot if one exists,
// otherwise a hard error.
func (b *BootstrapResolver) Resolve() ([]net.IP, error) {
	types := []uint16{dns.TypeA}
	if !b.forceIPv4 {
		types = append(types, dns.TypeAAAA)
	}

	var (
		mu    sync.Mutex
		ips   = map[string]net.IP{}
		anyOK bool
		wg    sync.WaitGroup
	)
	for _, client := range b.clients {
		for _, qtype := range types {
			wg.Add(1)
			go func(client *DNSClient, qtype uint16) {
				defer wg.Done()
				q := new(dns.Msg)
				q.SetQuestion(b.hostname, qtype)
				a, err := client.Resolve(q)
				if err != nil {
					b.obs.Log.WithError(err).WithField("server", client.String()).
						Debug("bootstrap query failed")
					return
				}
				mu.Lock()
				defer mu.Unlock()
				anyOK = true
				for _, rr := range a.Answer {
					switch rec := rr.(type) {
					case *dns.A:
						ips[rec.A.String()] = rec.A
					case *dns.AAAA:
						ips[rec.AAAA.String()] = rec.AAAA
					}
				}
			}(client, qtype)
		}
	}
	wg.Wait()

	if !anyOK {
		if prev := b.Snapshot(); len(prev) > 0 {
			return prev, nil
		}
		return nil, fmt.Errorf("bootstrap resolution of %s failed against all servers", b.hostname)
	}

	result := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		result = append(result, ip)
	}
	if len(result) == 0 {
		if prev := b.Snapshot(); len(prev) > 0 {
			return prev, nil
		}
	}
	return result, nil
}

// RunRefreshLoop re-resolves every interval and atomically swaps the
// pinned IP set, until stopped. A failed refresh is logged and counted;
// the previous set remains in force.
func (b *BootstrapResolver) RunRefreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if ips, err := b.Resolve(); err == nil {
		b.snapshot.Store(ips)
	} else {
		b.obs.Log.WithError(err).Error("initial bootstrap resolution failed")
	}

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ips, err := b.Resolve()
			if err != nil {
				b.obs.Stats.Errors.Add(1)
				b.obs.Log.WithError(err).Warn("bootstrap refresh failed, keeping previous set")
				continue
			}
			b.snapshot.Store(ips)
		}
	}
}

// Stop ends the refresh loop.
func (b *BootstrapResolver) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
