package dohproxy

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startTestDNSServer runs a minimal UDP DNS server on an ephemeral port that
// answers every A query with answerIP and every AAAA query with nothing,
// until the returned stop func is called.
func startTestDNSServer(t *testing.T, answerIP net.IP) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: conn, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
			rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A " + answerIP.String())
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()

	return conn.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func TestBootstrapResolverResolveReturnsUnion(t *testing.T) {
	addr, stop := startTestDNSServer(t, net.ParseIP("9.9.9.9"))
	defer stop()

	obs := NewObservability("bootstrap-test-1", nil)
	r := NewBootstrapResolver("doh.example.", []string{addr}, true, time.Second, obs)

	ips, err := r.Resolve()
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "9.9.9.9", ips[0].String())
}

func TestBootstrapResolverFailureKeepsPreviousSnapshot(t *testing.T) {
	addr, stop := startTestDNSServer(t, net.ParseIP("1.2.3.4"))

	obs := NewObservability("bootstrap-test-2", nil)
	r := NewBootstrapResolver("doh.example.", []string{addr}, true, 200*time.Millisecond, obs)

	ips, err := r.Resolve()
	require.NoError(t, err)
	require.Len(t, ips, 1)
	r.snapshot.Store(ips)

	stop() // bootstrap server now unreachable

	ips2, err := r.Resolve()
	require.NoError(t, err, "a total failure with a previous snapshot returns it, not an error")
	require.Equal(t, ips, ips2)
}

func TestBootstrapResolverHardFailureNoSnapshot(t *testing.T) {
	obs := NewObservability("bootstrap-test-3", nil)
	r := NewBootstrapResolver("doh.example.", []string{"127.0.0.1:1"}, true, 100*time.Millisecond, obs)

	_, err := r.Resolve()
	require.Error(t, err)
}

func TestBootstrapResolverRefreshLoopSwapsSnapshot(t *testing.T) {
	addr, stop := startTestDNSServer(t, net.ParseIP("10.0.0.1"))
	defer stop()

	obs := NewObservability("bootstrap-test-4", nil)
	r := NewBootstrapResolver("doh.example.", []string{addr}, true, time.Second, obs)

	go r.RunRefreshLoop(20 * time.Millisecond)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(r.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "10.0.0.1", r.Snapshot()[0].String())
}
