package dohproxy

import "context"

// Resolver forwards one opaque DNS wire-format query and returns the
// matching wire-format response. DoHClient is the only implementation the
// supervisor dispatches through; it handles its own connection reuse and
// retries, so callers only see the final result or error. The bootstrap
// resolver's own DNSClient speaks typed dns.Msg instead, since it only ever
// needs to pull address records out of the answer.
type Resolver interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}
