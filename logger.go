package dohproxy

import "github.com/sirupsen/logrus"

// Observability bundles the two process-wide collaborators the core needs
// but must never reach for as a global: a structured logger and the stats
// counters. It's constructed once and threaded through Supervisor.Start,
// the listeners, the cache, and the DoH/bootstrap clients.
type Observability struct {
	Log   logrus.FieldLogger
	Stats *Stats
}

// NewObservability wires a logger and a fresh Stats instance namespaced
// under id. Passing a nil logger falls back to a logrus.Logger with output
// discarded, equivalent to the library staying silent unless the caller
// configures one.
func NewObservability(id string, log logrus.FieldLogger) *Observability {
	if log == nil {
		silent := logrus.New()
		silent.SetOutput(discardWriter{})
		log = silent
	}
	return &Observability{
		Log:   log,
		Stats: NewStats(id),
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
