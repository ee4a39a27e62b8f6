package dohproxy

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sms1sis/dohproxy/internal/codec"
)

// fakeResolver is a Resolver whose response is configurable per test, with
// an optional artificial delay and a hit counter for single-flight
// assertions.
type fakeResolver struct {
	hits     int64
	response func(query []byte) ([]byte, error)
	delay    time.Duration
}

func (f *fakeResolver) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	atomic.AddInt64(&f.hits, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.response(query)
}

func udpEchoResolver() *fakeResolver {
	return &fakeResolver{response: func(query []byte) ([]byte, error) {
		resp := make([]byte, len(query))
		copy(resp, query)
		binary.BigEndian.PutUint16(resp[6:], 1) // ancount = 1, enough to be non-zero; TTL extraction isn't exercised here
		return resp, nil
	}}
}

func newTestSupervisor(t *testing.T, resolver Resolver) *Supervisor {
	t.Helper()
	return &Supervisor{
		cfg:      Config{ConnLossTimeout: time.Second},
		obs:      NewObservability(t.Name(), nil),
		cache:    NewCache(0, NewStats(t.Name())),
		resolver: resolver,
	}
}

func startTestUDPListener(t *testing.T, sup *Supervisor) (addr string, l *udpListener) {
	t.Helper()
	l, err := newUDPListener("127.0.0.1:0", sup)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l.conn.LocalAddr().String(), l
}

func TestUDPListenerRoundTrip(t *testing.T) {
	sup := newTestSupervisor(t, udpEchoResolver())
	addr, _ := startTestUDPListener(t, sup)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	q := rawQuery(0x1234)
	_, err = conn.Write(q)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(buf[:n]))
}

func TestUDPListenerMalformedDropsSilently(t *testing.T) {
	sup := newTestSupervisor(t, udpEchoResolver())
	addr, _ := startTestUDPListener(t, sup)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x00, 0x01}) // far too short to be a valid header
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	require.Error(t, err, "a malformed query must not produce any response datagram")
}

func TestUDPListenerUpstreamErrorSendsServfail(t *testing.T) {
	resolver := &fakeResolver{response: func([]byte) ([]byte, error) {
		return nil, &NetworkError{}
	}}
	sup := newTestSupervisor(t, resolver)
	addr, _ := startTestUDPListener(t, sup)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	q := rawQuery(0x5555)
	_, err = conn.Write(q)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x5555), binary.BigEndian.Uint16(buf[:n]))

	resp, ok := codec.MinTTL(buf[:n])
	require.False(t, ok)
	_ = resp
	flags := binary.BigEndian.Uint16(buf[2:4])
	require.Equal(t, uint16(2), flags&0x000F, "SERVFAIL RCODE must be 2")
	require.NotEqual(t, uint16(0), flags&0x8000, "QR bit must be set")
}

func TestUDPListenerDuplicateQueriesCoalesce(t *testing.T) {
	resolver := &fakeResolver{delay: 50 * time.Millisecond, response: func(query []byte) ([]byte, error) {
		resp := make([]byte, len(query))
		copy(resp, query)
		return resp, nil
	}}
	sup := newTestSupervisor(t, resolver)
	addr, _ := startTestUDPListener(t, sup)

	conn1, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn1.Close()
	conn2, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn1.Write(rawQuery(0xAAAA))
	require.NoError(t, err)
	_, err = conn2.Write(rawQuery(0xBBBB))
	require.NoError(t, err)

	_ = conn1.SetReadDeadline(time.Now().Add(time.Second))
	_ = conn2.SetReadDeadline(time.Now().Add(time.Second))
	buf1 := make([]byte, 512)
	n1, err := conn1.Read(buf1)
	require.NoError(t, err)
	buf2 := make([]byte, 512)
	n2, err := conn2.Read(buf2)
	require.NoError(t, err)

	require.Equal(t, uint16(0xAAAA), binary.BigEndian.Uint16(buf1[:n1]))
	require.Equal(t, uint16(0xBBBB), binary.BigEndian.Uint16(buf2[:n2]))
	require.Equal(t, int64(1), atomic.LoadInt64(&resolver.hits), "identical in-flight queries must share one upstream request")
}
