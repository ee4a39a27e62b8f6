package dohproxy

import (
	"expvar"
	"fmt"
	"sync/atomic"
)

// Stats is the atomic counters snapshot exposed to collaborators, per the
// observability hooks surface: udp_queries, tcp_queries, malformed, total,
// upstream_requests, cache_hits, errors, avg_latency_ms. Counters are
// backed by expvar so they're also visible on the process's /debug/vars
// endpoint if one is mounted.
type Stats struct {
	UDPQueries       *expvar.Int
	TCPQueries       *expvar.Int
	Malformed        *expvar.Int
	Total            *expvar.Int
	UpstreamRequests *expvar.Int
	CacheHits        *expvar.Int
	Errors           *expvar.Int

	latencySumNs  int64
	latencyCount  int64
	latencyAvgVar *expvar.Float
}

// NewStats creates a Stats instance namespaced under id, so multiple
// supervisor instances in one process don't collide on expvar names.
func NewStats(id string) *Stats {
	return &Stats{
		UDPQueries:       getVarInt("stats", id, "udp_queries"),
		TCPQueries:       getVarInt("stats", id, "tcp_queries"),
		Malformed:        getVarInt("stats", id, "malformed"),
		Total:            getVarInt("stats", id, "total"),
		UpstreamRequests: getVarInt("stats", id, "upstream_requests"),
		CacheHits:        getVarInt("stats", id, "cache_hits"),
		Errors:           getVarInt("stats", id, "errors"),
		latencyAvgVar:    getVarFloat("stats", id, "avg_latency_ms"),
	}
}

// ObserveLatency records one upstream round-trip for the running average
// exposed as avg_latency_ms.
func (s *Stats) ObserveLatency(nanos int64) {
	sum := atomic.AddInt64(&s.latencySumNs, nanos)
	count := atomic.AddInt64(&s.latencyCount, 1)
	avgMs := float64(sum) / float64(count) / 1e6
	s.latencyAvgVar.Set(avgMs)
}

// Snapshot is a point-in-time copy of the counters, suitable for returning
// from the supervisor's stats hook without exposing the live expvar types.
type Snapshot struct {
	UDPQueries       int64
	TCPQueries       int64
	Malformed        int64
	Total            int64
	UpstreamRequests int64
	CacheHits        int64
	Errors           int64
	AvgLatencyMs     float64
}

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UDPQueries:       s.UDPQueries.Value(),
		TCPQueries:       s.TCPQueries.Value(),
		Malformed:        s.Malformed.Value(),
		Total:            s.Total.Value(),
		UpstreamRequests: s.UpstreamRequests.Value(),
		CacheHits:        s.CacheHits.Value(),
		Errors:           s.Errors.Value(),
		AvgLatencyMs:     s.latencyAvgVar.Value(),
	}
}

// Get an *expvar.Int with the given path, reusing any previously registered
// variable of the same name (expvar.NewInt panics on duplicate registration,
// which would otherwise break repeated NewStats calls in tests).
func getVarInt(base, id, name string) *expvar.Int {
	fullname := fmt.Sprintf("dohproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

func getVarFloat(base, id, name string) *expvar.Float {
	fullname := fmt.Sprintf("dohproxy.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Float)
	}
	return expvar.NewFloat(fullname)
}
