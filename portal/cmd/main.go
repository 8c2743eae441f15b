package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/cache"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/config"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/pricehistory"
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/rpc"
	terraquery "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/terra_query"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()

	// Share the logger with the RPC package
	rpc.SetLogger(log)
}

func main() {
	configPath := flag.String("config", "", "portal config file (.toml), environment variables are used when empty")
	flag.Parse()

	var pathArg *string
	if *configPath != "" {
		pathArg = configPath
	}

	log.Info().Str("config", *configPath).Msg("Starting Spectra LBP portal")

	cfg, err := config.LoadPortalConfig(pathArg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load portal config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := config.LoadAssetRegistry(ctx, cfg.AssetRegistry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load asset registry")
	}
	log.Info().
		Str("chain_id", registry.ChainID).
		Str("factory", registry.FactoryAddress).
		Int("native_tokens", len(registry.NativeTokens)).
		Msg("Loaded asset registry")

	failover := terraquery.DefaultFailoverConfig()
	if cfg.LcdTimeout > 0 {
		failover.Timeout = cfg.LcdTimeout
	}
	if cfg.LcdRequestsPerSecond > 0 {
		failover.RequestsPerSecond = cfg.LcdRequestsPerSecond
	}
	chain, err := terraquery.NewClientWithFailover(cfg.LcdURLs[0], cfg.LcdURLs[1:], failover)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create LCD client")
	}
	defer chain.Close()

	var tokenCache *cache.RedisCache
	if cfg.RedisURL != "" {
		tokenCache, err = cache.NewRedisCache(ctx, cfg.RedisURL, cache.DefaultTokenInfoTTL)
		if err != nil {
			// the in-memory cache still serves a single instance
			log.Warn().Err(err).Msg("Redis unavailable, using in-memory token info cache")
		} else {
			chain.SetTokenInfoCache(tokenCache)
		}
	}

	var prices rpc.PriceHistorySource
	var priceRegistry *pricehistory.Registry
	if cfg.GraphQLURL != "" {
		fetcher, err := pricehistory.NewClient(cfg.GraphQLURL, 0)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create price history client")
		}
		pollerConfig := pricehistory.DefaultPollerConfig()
		if cfg.PriceRefreshInterval > 0 {
			pollerConfig.RefreshInterval = cfg.PriceRefreshInterval
		}
		priceRegistry = pricehistory.NewRegistry(ctx, fetcher, pollerConfig)
		prices = priceRegistry
		log.Info().Str("url", cfg.GraphQLURL).Dur("refresh", pollerConfig.RefreshInterval).Msg("Price history enabled")
	} else {
		log.Warn().Msg("No graphql_url configured, price history disabled")
	}

	api := rpc.NewAPI(chain, prices, rpc.APIConfig{
		FactoryAddress:    registry.FactoryAddress,
		Bech32Prefix:      registry.Bech32Prefix,
		NativeAssets:      nativeAssets(registry),
		SwapDebounce:      cfg.SwapDebounce,
		SimulationTimeout: failover.Timeout,
		SessionIdleTTL:    cfg.SessionIdleTTL,
		MaxSessions:       cfg.MaxSessions,
	})

	server, err := rpc.NewServer(ctx, buildServerConfig(cfg), api, chain)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create portal server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	if priceRegistry != nil {
		priceRegistry.Close()
	}
	if tokenCache != nil {
		shutdownErr = errors.Join(shutdownErr, tokenCache.Close())
	}
	if shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("Shutdown error")
	}
}

func nativeAssets(registry *config.AssetRegistry) map[string]models.Asset {
	out := make(map[string]models.Asset, len(registry.NativeTokens))
	for _, entry := range registry.NativeTokens {
		if asset, ok := registry.NativeAsset(entry.Denom); ok {
			out[entry.Denom] = asset
		}
	}
	return out
}

// buildServerConfig converts the loaded PortalConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.PortalConfig) *rpc.ServerConfig {
	serverConfig := &rpc.ServerConfig{
		Address:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.UsePrometheus,
	}

	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = &cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = &cfg.MaxConcurrentRequests
	}

	if cfg.EnableTracing || cfg.EnableMetrics || cfg.EnableLogs || cfg.UsePrometheus {
		serverConfig.OTelConfig = &rpc.OTelConfig{
			ServiceName:     defaultString(cfg.ServiceName, "spectra-lbp-portal"),
			ServiceVersion:  defaultString(cfg.ServiceVersion, "1.0.0"),
			Environment:     defaultString(cfg.Environment, "development"),
			EnableTracing:   cfg.EnableTracing,
			UseOTLPTraces:   cfg.UseOTLPTraces,
			OTLPTracesURL:   cfg.OTLPTracesURL,
			EnableMetrics:   cfg.EnableMetrics,
			UsePrometheus:   cfg.UsePrometheus,
			UseOTLPMetrics:  cfg.UseOTLPMetrics,
			OTLPMetricsURL:  cfg.OTLPMetricsURL,
			EnableLogs:      cfg.EnableLogs,
			UseOTLPLogs:     cfg.UseOTLPLogs,
			OTLPLogsURL:     cfg.OTLPLogsURL,
			InsecureOTLP:    cfg.InsecureOTLP,
			DevelopmentMode: cfg.DevelopmentMode,
		}
	}

	return serverConfig
}

// defaultString returns the default value if s is empty
func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
