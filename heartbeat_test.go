package dohproxy

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatIssuesSyntheticQueries(t *testing.T) {
	resolver := udpEchoResolver()
	sup := newTestSupervisor(t, resolver)
	sup.cfg.Heartbeat = HeartbeatConfig{Enabled: true, Domain: "heartbeat.example.", Interval: 10 * time.Millisecond}
	sup.heartbeatStop = make(chan struct{})

	go sup.runHeartbeat()
	defer close(sup.heartbeatStop)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&resolver.hits) > 0
	}, time.Second, 5*time.Millisecond, "heartbeat must drive at least one query through the resolver")
}

func TestHeartbeatStopsOnSignal(t *testing.T) {
	resolver := udpEchoResolver()
	sup := newTestSupervisor(t, resolver)
	sup.cfg.Heartbeat = HeartbeatConfig{Enabled: true, Domain: "heartbeat.example.", Interval: 5 * time.Millisecond}
	sup.heartbeatStop = make(chan struct{})

	done := make(chan struct{})
	go func() {
		sup.runHeartbeat()
		close(done)
	}()
	close(sup.heartbeatStop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runHeartbeat did not return after its stop channel was closed")
	}
}
