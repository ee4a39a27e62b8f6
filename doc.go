/*
Package dohproxy implements a forwarding DNS proxy that accepts plain UDP
and TCP queries and resolves them over DNS-over-HTTPS (RFC 8484).

A Supervisor wires together the components: a wire codec that validates
queries and fingerprints them for caching, a single-flight TTL cache, a
bootstrap resolver that keeps the DoH hostname's IPs pinned via plaintext
DNS, a DoH client shared by every query, and the UDP/TCP listeners that
drive the same pipeline.

	cfg := dohproxy.Config{
		ListenAddr:  "127.0.0.1:53",
		Bootstrap:   []string{"1.1.1.1", "1.0.0.1"},
		ResolverURL: "https://cloudflare-dns.com/dns-query",
	}
	obs := dohproxy.NewObservability("default", nil)
	handle, err := dohproxy.Start(cfg, obs)
	if err != nil {
		panic(err)
	}
	defer handle.Stop(context.Background())
*/
package dohproxy
