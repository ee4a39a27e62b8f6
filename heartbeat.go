package dohproxy

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// runHeartbeat issues one synthetic query for the configured heartbeat
// domain every Heartbeat.Interval, through the same dispatch path real
// clients use. It exists to populate latency telemetry and to keep the
// DoH client's pooled connections from going idle past MaxIdleTime.
func (s *Supervisor) runHeartbeat() {
	interval := s.cfg.Heartbeat.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(s.cfg.Heartbeat.Domain), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		s.obs.Log.WithError(err).Error("heartbeat query could not be packed, disabling heartbeat")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatStop:
			return
		case <-ticker.C:
			result := s.dispatch(context.Background(), raw)
			if result.malformed {
				s.obs.Log.Warn("heartbeat query was reported malformed")
			}
		}
	}
}

const defaultHeartbeatInterval = 60 * time.Second
