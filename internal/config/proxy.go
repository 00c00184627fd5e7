package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ProxyConfig is the top-level configuration for hearth-proxy.
type ProxyConfig struct {
	Proxy   ProxySection  `toml:"proxy"`
	Logging LoggingConfig `toml:"logging"`
}

// ProxySection holds the federating proxy settings.
type ProxySection struct {
	Listen             string           `toml:"listen"`
	APIToken           string           `toml:"api_token"`
	CacheTTL           int              `toml:"cache_ttl"`       // seconds
	TimeoutSeconds     float64          `toml:"timeout_seconds"` // per upstream request
	DuplicateMACPolicy string           `toml:"duplicate_mac_policy"`
	Servers            []UpstreamConfig `toml:"servers"`
}

// UpstreamConfig names one per-node read API. The upstream's /24 network
// is inferred from its host address at load time.
type UpstreamConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	Network *net.IPNet `toml:"-"`
}

// Addr returns the upstream host:port.
func (u UpstreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// LoadProxy reads and parses a proxy TOML config file.
func LoadProxy(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &ProxyConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyProxyDefaults(cfg)

	if err := validateProxy(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyProxyDefaults(cfg *ProxyConfig) {
	if cfg.Proxy.Listen == "" {
		cfg.Proxy.Listen = DefaultProxyListen
	}
	if cfg.Proxy.CacheTTL == 0 {
		cfg.Proxy.CacheTTL = DefaultProxyCacheTTL
	}
	if cfg.Proxy.TimeoutSeconds == 0 {
		cfg.Proxy.TimeoutSeconds = DefaultProxyTimeoutSec
	}
	if cfg.Proxy.DuplicateMACPolicy == "" {
		cfg.Proxy.DuplicateMACPolicy = DefaultProxyPolicy
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	for i := range cfg.Proxy.Servers {
		if cfg.Proxy.Servers[i].Port == 0 {
			cfg.Proxy.Servers[i].Port = DefaultUpstreamPort
		}
	}
}

func validateProxy(cfg *ProxyConfig) error {
	switch cfg.Proxy.DuplicateMACPolicy {
	case "keep_all", "merge", "prefer_ip":
	default:
		return fmt.Errorf("proxy.duplicate_mac_policy must be keep_all, merge, or prefer_ip, got %q",
			cfg.Proxy.DuplicateMACPolicy)
	}
	if len(cfg.Proxy.Servers) == 0 {
		return fmt.Errorf("proxy.servers must name at least one upstream")
	}
	for i := range cfg.Proxy.Servers {
		srv := &cfg.Proxy.Servers[i]
		_, network, err := net.ParseCIDR(fmt.Sprintf("%s/24", srv.Host))
		if err != nil {
			return fmt.Errorf("proxy.servers[%d]: host %q is not an IPv4 address: %w", i, srv.Host, err)
		}
		srv.Network = network
	}
	return nil
}

// UpstreamTimeout returns the per-request timeout as a duration.
func (cfg *ProxyConfig) UpstreamTimeout() time.Duration {
	return time.Duration(cfg.Proxy.TimeoutSeconds * float64(time.Second))
}

// ProxyCacheTTL returns the response cache TTL as a duration.
func (cfg *ProxyConfig) ProxyCacheTTL() time.Duration {
	return time.Duration(cfg.Proxy.CacheTTL) * time.Second
}
