package config

// Default values applied when the config file omits a field.
const (
	DefaultLeaseTimeSec       = 86400
	DefaultCacheTTLSec        = 30
	DefaultExpireCheckSec     = 60
	DefaultWebHost            = "0.0.0.0"
	DefaultWebPort            = 5500
	DefaultLeaseHistoryLimit  = 10
	DefaultAPICacheTTLSec     = 10
	DefaultLeaseFile          = "hearthd_leases.db"
	DefaultHistoryFile        = "hearthd_history.db"
	DefaultAuthFile           = "hearthd_auth.db"
	DefaultNotifyRetries      = 3
	DefaultNotifyRetrySec     = 5
	DefaultInactivePeriod     = "7d"
	DefaultMetricsIntervalSec = 5
	DefaultLogLevel           = "info"

	DefaultProxyListen     = "0.0.0.0:5501"
	DefaultProxyCacheTTL   = 30
	DefaultProxyTimeoutSec = 3
	DefaultProxyPolicy     = "keep_all"
	DefaultUpstreamPort    = 5500
)
