// Package config handles TOML configuration parsing and validation for
// hearthd and hearth-proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// Config is the top-level configuration for hearthd.
type Config struct {
	Network  NetworkConfig  `toml:"network"`
	Server   ServerConfig   `toml:"server"`
	Web      WebConfig      `toml:"web"`
	Database DatabaseConfig `toml:"database"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// NetworkConfig holds the served subnet and option values.
type NetworkConfig struct {
	Interface  string   `toml:"interface"`
	ServerIP   string   `toml:"server_ip"`
	PoolStart  string   `toml:"pool_start"`
	PoolEnd    string   `toml:"pool_end"`
	SubnetMask string   `toml:"subnet_mask"`
	Gateway    string   `toml:"gateway"`
	DNSServers []string `toml:"dns_servers"`
	LeaseTime  int      `toml:"lease_time"` // seconds
	DomainName string   `toml:"domain_name"`
}

// ServerConfig holds protocol engine settings.
type ServerConfig struct {
	CacheTTL          int `toml:"cache_ttl"`           // seconds
	ExpireCheckPeriod int `toml:"expire_check_period"` // seconds
}

// WebConfig holds the read API listener settings.
type WebConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	LeaseHistoryLimit int    `toml:"lease_history_limit"`
	APICacheTTL       int    `toml:"api_cache_ttl"` // seconds
	APIToken          string `toml:"api_token"`
}

// DatabaseConfig holds the bbolt file paths.
type DatabaseConfig struct {
	LeaseFile          string `toml:"lease_file"`
	HistoryFile        string `toml:"history_file"`
	AuthFile           string `toml:"auth_file"`
	HistoryCleanupDays int    `toml:"history_cleanup_days"` // 0 disables pruning
}

// NotifyConfig holds device notification settings.
type NotifyConfig struct {
	Enabled              bool   `toml:"enabled"`
	WebhookURL           string `toml:"webhook_url"`
	WebhookSecret        string `toml:"webhook_secret"`
	Retries              int    `toml:"retries"`
	RetryInterval        int    `toml:"retry_interval"` // seconds
	NotifyNewDevice      bool   `toml:"notify_new_device"`
	NotifyInactiveDevice bool   `toml:"notify_inactive_device"`
	InactivePeriod       string `toml:"inactive_period"` // "45m", "12h", "7d", "1y"
	ManageURL            string `toml:"manage_url"`
}

// MetricsConfig holds the external counter sink settings.
type MetricsConfig struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	Token       string `toml:"token"`
	Org         string `toml:"org"`
	Bucket      string `toml:"bucket"`
	Measurement string `toml:"measurement"`
	Interval    int    `toml:"interval"` // seconds
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Network.LeaseTime == 0 {
		cfg.Network.LeaseTime = DefaultLeaseTimeSec
	}
	if cfg.Server.CacheTTL == 0 {
		cfg.Server.CacheTTL = DefaultCacheTTLSec
	}
	if cfg.Server.ExpireCheckPeriod == 0 {
		cfg.Server.ExpireCheckPeriod = DefaultExpireCheckSec
	}
	if cfg.Web.Host == "" {
		cfg.Web.Host = DefaultWebHost
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = DefaultWebPort
	}
	if cfg.Web.LeaseHistoryLimit == 0 {
		cfg.Web.LeaseHistoryLimit = DefaultLeaseHistoryLimit
	}
	if cfg.Web.APICacheTTL == 0 {
		cfg.Web.APICacheTTL = DefaultAPICacheTTLSec
	}
	if cfg.Database.LeaseFile == "" {
		cfg.Database.LeaseFile = DefaultLeaseFile
	}
	if cfg.Database.HistoryFile == "" {
		cfg.Database.HistoryFile = DefaultHistoryFile
	}
	if cfg.Database.AuthFile == "" {
		cfg.Database.AuthFile = DefaultAuthFile
	}
	if cfg.Notify.Retries == 0 {
		cfg.Notify.Retries = DefaultNotifyRetries
	}
	if cfg.Notify.RetryInterval == 0 {
		cfg.Notify.RetryInterval = DefaultNotifyRetrySec
	}
	if cfg.Notify.InactivePeriod == "" {
		cfg.Notify.InactivePeriod = DefaultInactivePeriod
	}
	if cfg.Metrics.Interval == 0 {
		cfg.Metrics.Interval = DefaultMetricsIntervalSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	addrs := map[string]string{
		"network.server_ip":   cfg.Network.ServerIP,
		"network.pool_start":  cfg.Network.PoolStart,
		"network.pool_end":    cfg.Network.PoolEnd,
		"network.subnet_mask": cfg.Network.SubnetMask,
		"network.gateway":     cfg.Network.Gateway,
	}
	parsed := make(map[string]net.IP, len(addrs))
	for key, val := range addrs {
		ip, err := dhcpv4.ParseIPv4(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		parsed[key] = ip
	}
	for i, s := range cfg.Network.DNSServers {
		if _, err := dhcpv4.ParseIPv4(s); err != nil {
			return fmt.Errorf("network.dns_servers[%d]: %w", i, err)
		}
	}

	mask := parsed["network.subnet_mask"]
	maskU := dhcpv4.IPToUint32(mask)
	if maskU == 0 || maskU == 0xFFFFFFFF {
		return fmt.Errorf("network.subnet_mask %s is not usable", mask)
	}

	start := dhcpv4.IPToUint32(parsed["network.pool_start"])
	end := dhcpv4.IPToUint32(parsed["network.pool_end"])
	if start > end {
		return fmt.Errorf("network.pool_start %s is after pool_end %s",
			cfg.Network.PoolStart, cfg.Network.PoolEnd)
	}

	serverIP := parsed["network.server_ip"]
	for key, ip := range parsed {
		if key == "network.subnet_mask" {
			continue
		}
		if !dhcpv4.SameSubnet(ip, serverIP, mask) {
			return fmt.Errorf("%s %s is outside the server subnet", key, ip)
		}
	}

	if cfg.Network.LeaseTime <= 0 {
		return fmt.Errorf("network.lease_time must be positive, got %d", cfg.Network.LeaseTime)
	}
	if cfg.Database.HistoryCleanupDays < 0 {
		return fmt.Errorf("database.history_cleanup_days must not be negative, got %d",
			cfg.Database.HistoryCleanupDays)
	}
	if cfg.Notify.Enabled {
		if cfg.Notify.WebhookURL == "" {
			return fmt.Errorf("notify.webhook_url is required when notifications are enabled")
		}
		if _, err := ParseInactivePeriod(cfg.Notify.InactivePeriod); err != nil {
			return fmt.Errorf("notify.inactive_period: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.URL == "" {
			return fmt.Errorf("metrics.url is required when metrics are enabled")
		}
		if cfg.Metrics.Bucket == "" || cfg.Metrics.Measurement == "" {
			return fmt.Errorf("metrics.bucket and metrics.measurement are required when metrics are enabled")
		}
	}

	return nil
}

// ServerIP returns the parsed server address.
func (cfg *Config) ServerIP() net.IP {
	ip, _ := dhcpv4.ParseIPv4(cfg.Network.ServerIP)
	return ip
}

// SubnetMask returns the parsed subnet mask.
func (cfg *Config) SubnetMask() net.IP {
	ip, _ := dhcpv4.ParseIPv4(cfg.Network.SubnetMask)
	return ip
}

// Gateway returns the parsed gateway address.
func (cfg *Config) Gateway() net.IP {
	ip, _ := dhcpv4.ParseIPv4(cfg.Network.Gateway)
	return ip
}

// PoolRange returns the parsed pool boundaries.
func (cfg *Config) PoolRange() (start, end net.IP) {
	start, _ = dhcpv4.ParseIPv4(cfg.Network.PoolStart)
	end, _ = dhcpv4.ParseIPv4(cfg.Network.PoolEnd)
	return start, end
}

// DNSServerIPs returns the parsed DNS server list.
func (cfg *Config) DNSServerIPs() []net.IP {
	ips := make([]net.IP, 0, len(cfg.Network.DNSServers))
	for _, s := range cfg.Network.DNSServers {
		if ip, err := dhcpv4.ParseIPv4(s); err == nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// LeaseDuration returns the lease time as a duration.
func (cfg *Config) LeaseDuration() time.Duration {
	return time.Duration(cfg.Network.LeaseTime) * time.Second
}

// CacheTTL returns the retransmission cache TTL as a duration.
func (cfg *Config) CacheTTL() time.Duration {
	return time.Duration(cfg.Server.CacheTTL) * time.Second
}

// ExpireCheckPeriod returns the sweep interval as a duration.
func (cfg *Config) ExpireCheckPeriod() time.Duration {
	return time.Duration(cfg.Server.ExpireCheckPeriod) * time.Second
}

// APICacheTTL returns the read API cache TTL as a duration.
func (cfg *Config) APICacheTTL() time.Duration {
	return time.Duration(cfg.Web.APICacheTTL) * time.Second
}

// HistoryRetention returns the pruning window, zero when disabled.
func (cfg *Config) HistoryRetention() time.Duration {
	return time.Duration(cfg.Database.HistoryCleanupDays) * 24 * time.Hour
}

// MetricsInterval returns the flush interval as a duration.
func (cfg *Config) MetricsInterval() time.Duration {
	return time.Duration(cfg.Metrics.Interval) * time.Second
}
