package dohproxy

import "context"

// Listener is a network listener that can be started and asked to drain
// and stop within a bounded grace period.
type Listener interface {
	Start() error
	Stop(ctx context.Context) error
}
