package dohproxy

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSClient is a plain DNS resolver used by the bootstrap resolver to query
// a single configured bootstrap server, with pipelining over one
// persistent connection.
type DNSClient struct {
	endpoint string
	net      string
	pipeline *Pipeline
}

// NewDNSClient returns a DNSClient for a single bootstrap server address.
func NewDNSClient(endpoint, network string, timeout time.Duration, obs *Observability) *DNSClient {
	client := &dns.Client{Net: network}
	return &DNSClient{
		net:      network,
		endpoint: endpoint,
		pipeline: NewPipeline(endpoint, client, timeout, obs),
	}
}

// Resolve sends one plaintext DNS query and returns the response.
func (d *DNSClient) Resolve(q *dns.Msg) (*dns.Msg, error) {
	return d.pipeline.Resolve(q)
}

func (d *DNSClient) String() string {
	return fmt.Sprintf("DNS(%s)", d.endpoint)
}
