package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultLcdTimeout           = 10 * time.Second
	defaultPriceRefreshInterval = time.Minute
	defaultSwapDebounce         = 300 * time.Millisecond
	defaultSessionIdleTTL       = 15 * time.Minute
	defaultMaxSessions          = 10000
)

// LoadPortalConfig loads the portal config from the given path, or from PORTAL_* env vars when path is nil.
func LoadPortalConfig(configPath *string) (*PortalConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == nil {
		// if no file expect envs
		config, err := loadEnv(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}

	config, err := loadFile(v, *configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "spectra-lbp-portal")
	v.SetDefault("lcd_timeout", defaultLcdTimeout)
	v.SetDefault("price_refresh_interval", defaultPriceRefreshInterval)
	v.SetDefault("swap_debounce", defaultSwapDebounce)
	v.SetDefault("session_idle_ttl", defaultSessionIdleTTL)
	v.SetDefault("max_sessions", defaultMaxSessions)
}

func loadEnv(v *viper.Viper) (*PortalConfig, error) {
	// .env is optional, env can be applied through docker, systemd or other means
	_ = godotenv.Load()
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config PortalConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key to its env var so Unmarshal sees env values
// when no config file is loaded (env-only mode).
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"port", "host", "allowed_origins",
		"rate_per_minute", "max_concurrent_requests",
		"service_name", "service_version", "environment",
		"enable_tracing", "use_otlp_traces", "otlp_traces_url",
		"enable_metrics", "use_prometheus", "use_otlp_metrics", "otlp_metrics_url",
		"enable_logs", "use_otlp_logs", "otlp_logs_url",
		"insecure_otlp", "development_mode",
		"lcd_urls", "lcd_timeout", "lcd_requests_per_second",
		"graphql_url", "price_refresh_interval", "asset_registry", "redis_url",
		"swap_debounce", "session_idle_ttl", "max_sessions",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func loadFile(v *viper.Viper, configPath string) (*PortalConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config PortalConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}

	return &config, nil
}

func verifyConfig(config *PortalConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	if len(config.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}

	if len(config.LcdURLs) == 0 {
		return fmt.Errorf("lcd_urls is required")
	}

	for _, u := range config.LcdURLs {
		if err := verifyURL(u); err != nil {
			return fmt.Errorf("lcd_urls: %w", err)
		}
	}

	if config.GraphQLURL != "" {
		if err := verifyURL(config.GraphQLURL); err != nil {
			return fmt.Errorf("graphql_url: %w", err)
		}
	}

	if config.AssetRegistry == "" {
		return fmt.Errorf("asset_registry is required")
	}

	if config.SwapDebounce < 0 {
		return fmt.Errorf("swap_debounce must not be negative")
	}

	if config.SessionIdleTTL <= 0 {
		return fmt.Errorf("session_idle_ttl must be positive")
	}

	return nil
}

func verifyURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}
