package dohproxy

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Defines how long to wait for a response from a bootstrap server if no
// other timeout is given.
const defaultQueryTimeout = 2 * time.Second

// Tear down an upstream connection if nothing has been received for this long.
const pipelineIdleTimeout = 10 * time.Second

// Pipeline is a plaintext DNS client that pipelines multiple requests over
// one connection, matches out-of-order responses, and reconnects on
// disconnect. It's used by the bootstrap resolver to query the configured
// bootstrap servers.
type Pipeline struct {
	addr     string
	client   DNSDialer
	requests chan *pipelineRequest
	timeout  time.Duration
	obs      *Observability
}

// DNSDialer is an abstraction for a dns.Client that returns a *dns.Conn.
// *dns.Client satisfies this directly.
type DNSDialer interface {
	Dial(address string) (*dns.Conn, error)
}

// NewPipeline returns an initialized (and running) DNS connection manager
// for a single upstream address.
func NewPipeline(addr string, client DNSDialer, timeout time.Duration, obs *Observability) *Pipeline {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	p := &Pipeline{
		addr:     addr,
		client:   client,
		requests: make(chan *pipelineRequest),
		timeout:  timeout,
		obs:      obs,
	}
	go p.start()
	return p
}

// Resolve a single query using this connection.
func (p *Pipeline) Resolve(q *dns.Msg) (*dns.Msg, error) {
	r := newPipelineRequest(q)

	timeout := time.NewTimer(p.timeout)
	defer timeout.Stop()

	select {
	case p.requests <- r:
	case <-timeout.C:
		p.obs.Stats.Errors.Add(1)
		return nil, &TimeoutError{Query: qNameOf(q)}
	}

	select {
	case <-r.done:
	case <-timeout.C:
		p.obs.Stats.Errors.Add(1)
		return nil, &TimeoutError{Query: qNameOf(q)}
	}

	return r.waitFor()
}

// start loops opening an upstream connection on demand and driving a writer
// and reader goroutine over it until either side hits an error, then waits
// for a new request to reconnect.
func (p *Pipeline) start() {
	var (
		wg       sync.WaitGroup
		inFlight pipelineQueue
	)
	log := p.obs.Log.WithField("addr", p.addr)
	for req := range p.requests {
		done := make(chan struct{})
		log.Debug("opening bootstrap connection")
		conn, err := p.client.Dial(p.addr)
		if err != nil {
			p.obs.Stats.Errors.Add(1)
			log.WithError(err).Error("failed to open bootstrap connection")
			req.markDone(nil, err)
			continue
		}
		wg.Add(2)

		go func(r *pipelineRequest) { p.requests <- r }(req)

		go func() { // writer
			for {
				select {
				case req := <-p.requests:
					query := inFlight.add(req)
					if err := conn.WriteMsg(query); err != nil {
						req.markDone(nil, err)
						inFlight.get(query)
						conn.Close()
						wg.Done()
						p.obs.Stats.Errors.Add(1)
						return
					}
				case <-done:
					wg.Done()
					return
				}
			}
		}()
		go func() { // reader
			for {
				_ = conn.SetReadDeadline(time.Now().Add(pipelineIdleTimeout))
				a, err := conn.ReadMsg()
				if err != nil {
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						log.Debug("bootstrap connection idle timeout")
					} else if err == io.EOF {
						log.Debug("bootstrap connection closed by server")
					} else {
						log.WithError(err).Debug("bootstrap connection read failed")
					}
					close(done)
					wg.Done()
					return
				}
				req := inFlight.get(a)
				if req == nil {
					log.WithField("qname", qNameOf(a)).Debug("unexpected answer, ignoring")
					continue
				}
				req.markDone(a, nil)
			}
		}()

		wg.Wait()
	}
}

type pipelineRequest struct {
	q, a *dns.Msg
	err  error
	done chan struct{}
}

func newPipelineRequest(q *dns.Msg) *pipelineRequest {
	return &pipelineRequest{q: q, done: make(chan struct{})}
}

func (r *pipelineRequest) waitFor() (*dns.Msg, error) {
	<-r.done
	if r.err == nil && len(r.a.Question) > 0 && len(r.q.Question) > 0 {
		q, a := r.q.Question[0], r.a.Question[0]
		if a.Name != q.Name || a.Qclass != q.Qclass || a.Qtype != q.Qtype {
			return nil, fmt.Errorf("expected answer for %s, got %s", q.String(), a.String())
		}
	}
	return r.a, r.err
}

func (r *pipelineRequest) markDone(a *dns.Msg, err error) {
	if a != nil {
		a.Id = r.q.Id
	}
	r.a = a
	r.err = err
	close(r.done)
}

// pipelineQueue tracks requests in flight so out-of-order responses can be
// matched back to their request by a connection-local transaction id.
type pipelineQueue struct {
	requests  map[uint16]*pipelineRequest
	mu        sync.Mutex
	idCounter uint16
}

func (q *pipelineQueue) add(r *pipelineRequest) *dns.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.requests == nil {
		q.requests = make(map[uint16]*pipelineRequest)
	}
	q.idCounter++
	q.requests[q.idCounter] = r
	query := r.q.Copy()
	query.Id = q.idCounter
	return query
}

func (q *pipelineQueue) get(a *dns.Msg) *pipelineRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.requests[a.Id]
	if !ok {
		return nil
	}
	delete(q.requests, a.Id)
	return r
}

func qNameOf(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}
