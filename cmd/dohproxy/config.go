package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sms1sis/dohproxy"
)

// fileConfig mirrors dohproxy.Config with TOML tags and durations expressed
// in plain seconds, the way the teacher's cmd/routedns/config.go keeps its
// on-disk shape separate from the library's runtime types.
type fileConfig struct {
	Listen             string   `toml:"listen"`
	TCPClientCap       int      `toml:"tcp-client-cap"`
	Bootstrap          []string `toml:"bootstrap"`
	BootstrapForceIPv4 bool     `toml:"bootstrap-force-ipv4"`
	BootstrapRefresh   int      `toml:"bootstrap-refresh"`
	ResolverURL        string   `toml:"resolver-url"`
	MaxIdleTime        int      `toml:"max-idle-time"`
	ConnLossTimeout    int      `toml:"conn-loss-timeout"`
	HTTPVersion        string   `toml:"http-version"`
	ProxyURL           string   `toml:"proxy-url"`
	SourceAddr         string   `toml:"source-addr"`
	CABundlePath       string   `toml:"ca-bundle"`
	CacheMaxTTL        int      `toml:"cache-max-ttl"`

	Syslog syslogConfig `toml:"syslog"`

	Heartbeat struct {
		Enabled  bool   `toml:"enabled"`
		Domain   string `toml:"domain"`
		Interval int    `toml:"interval"`
	} `toml:"heartbeat"`
}

type syslogConfig struct {
	Enabled bool   `toml:"enabled"`
	Network string `toml:"network"`
	Address string `toml:"address"`
	Tag     string `toml:"tag"`
}

func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) toLibraryConfig() (dohproxy.Config, error) {
	cfg := dohproxy.Config{
		ListenAddr:         fc.Listen,
		TCPClientCap:       fc.TCPClientCap,
		Bootstrap:          fc.Bootstrap,
		BootstrapForceIPv4: fc.BootstrapForceIPv4,
		BootstrapRefresh:   time.Duration(fc.BootstrapRefresh) * time.Second,
		ResolverURL:        fc.ResolverURL,
		MaxIdleTime:        time.Duration(fc.MaxIdleTime) * time.Second,
		ConnLossTimeout:    time.Duration(fc.ConnLossTimeout) * time.Second,
		ProxyURL:           fc.ProxyURL,
		SourceAddr:         fc.SourceAddr,
		CABundlePath:       fc.CABundlePath,
		CacheMaxTTL:        time.Duration(fc.CacheMaxTTL) * time.Second,
		Heartbeat: dohproxy.HeartbeatConfig{
			Enabled:  fc.Heartbeat.Enabled,
			Domain:   fc.Heartbeat.Domain,
			Interval: time.Duration(fc.Heartbeat.Interval) * time.Second,
		},
	}
	switch fc.HTTPVersion {
	case "", "auto":
		cfg.HTTPVersion = dohproxy.HTTPAuto
	case "1.1":
		cfg.HTTPVersion = dohproxy.HTTPForce11
	case "3":
		cfg.HTTPVersion = dohproxy.HTTPForce3
	default:
		return dohproxy.Config{}, fmt.Errorf("unsupported http-version %q", fc.HTTPVersion)
	}
	return cfg, nil
}
