package config

import "time"

// PortalConfig is the server configuration of the LBP portal.
type PortalConfig struct {
	// rpc configs
	Port int    `mapstructure:"port" toml:"port"`
	Host string `mapstructure:"host" toml:"host"`

	// CORS configs
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`

	// rate limiting configs
	RatePerMinute         int `mapstructure:"rate_per_minute" toml:"rate_per_minute"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" toml:"max_concurrent_requests"`

	// OpenTelemetry configs
	ServiceName    string `mapstructure:"service_name" toml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" toml:"service_version"`
	Environment    string `mapstructure:"environment" toml:"environment"` // PROD, DEV, TEST, LOCAL
	EnableTracing  bool   `mapstructure:"enable_tracing" toml:"enable_tracing"`
	UseOTLPTraces  bool   `mapstructure:"use_otlp_traces" toml:"use_otlp_traces"`
	OTLPTracesURL  string `mapstructure:"otlp_traces_url" toml:"otlp_traces_url"`
	EnableMetrics  bool   `mapstructure:"enable_metrics" toml:"enable_metrics"`
	UsePrometheus  bool   `mapstructure:"use_prometheus" toml:"use_prometheus"`
	UseOTLPMetrics bool   `mapstructure:"use_otlp_metrics" toml:"use_otlp_metrics"`
	OTLPMetricsURL string `mapstructure:"otlp_metrics_url" toml:"otlp_metrics_url"`
	EnableLogs     bool   `mapstructure:"enable_logs" toml:"enable_logs"`
	UseOTLPLogs    bool   `mapstructure:"use_otlp_logs" toml:"use_otlp_logs"`
	OTLPLogsURL    string `mapstructure:"otlp_logs_url" toml:"otlp_logs_url"`

	InsecureOTLP bool `mapstructure:"insecure_otlp" toml:"insecure_otlp"`

	// Development mode uses stdout exporters
	DevelopmentMode bool `mapstructure:"development_mode" toml:"development_mode"`

	// Terra LCD endpoints, the first one is primary
	LcdURLs              []string      `mapstructure:"lcd_urls" toml:"lcd_urls"`
	LcdTimeout           time.Duration `mapstructure:"lcd_timeout" toml:"lcd_timeout"`
	LcdRequestsPerSecond float64       `mapstructure:"lcd_requests_per_second" toml:"lcd_requests_per_second"`

	// price history indexer
	GraphQLURL           string        `mapstructure:"graphql_url" toml:"graphql_url"`
	PriceRefreshInterval time.Duration `mapstructure:"price_refresh_interval" toml:"price_refresh_interval"`

	// asset registry file, local path or a go-getter source
	AssetRegistry string `mapstructure:"asset_registry" toml:"asset_registry"`

	// optional redis url for the token info cache
	RedisURL string `mapstructure:"redis_url" toml:"redis_url"`

	// swap form
	SwapDebounce   time.Duration `mapstructure:"swap_debounce" toml:"swap_debounce"`
	SessionIdleTTL time.Duration `mapstructure:"session_idle_ttl" toml:"session_idle_ttl"`
	MaxSessions    int           `mapstructure:"max_sessions" toml:"max_sessions"`
}

// AssetRegistry describes the chain the portal serves.
type AssetRegistry struct {
	ChainID        string             `toml:"chain_id" json:"chain_id"`
	Bech32Prefix   string             `toml:"bech32_prefix" json:"bech32_prefix"`
	FactoryAddress string             `toml:"factory_address" json:"factory_address"`
	NativeTokens   []NativeTokenEntry `toml:"native_tokens" json:"native_tokens"`
}

// NativeTokenEntry maps a native denom to its display symbol.
type NativeTokenEntry struct {
	Denom  string `toml:"denom" json:"denom"`
	Symbol string `toml:"symbol" json:"symbol"`
}
