package dohproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// clientTLSConfig builds a tls.Config for the DoH client. When caBundlePath
// is empty, RootCAs stays nil, which makes the standard library fall back
// to the platform's trust store.
func clientTLSConfig(caBundlePath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caBundlePath == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(caBundlePath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("no CA certificates found in %s", caBundlePath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
