package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the route cache services
type Config struct {
	Chain         ChainConfig         `mapstructure:"chain"`
	Ethereum      EthereumConfig      `mapstructure:"ethereum"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	RouteCache    RouteCacheConfig    `mapstructure:"route_cache"`
	Fill          FillConfig          `mapstructure:"fill"`
	PoolCache     PoolCacheConfig     `mapstructure:"pool_cache"`
	TrafficSwitch TrafficSwitchConfig `mapstructure:"traffic_switch"`
	RoutingEngine RoutingEngineConfig `mapstructure:"routing_engine"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// ChainConfig describes the chain the cache serves
type ChainConfig struct {
	ID        int64         `mapstructure:"id"`
	BlockTime time.Duration `mapstructure:"block_time"`
}

// EthereumConfig holds Ethereum connection configuration
type EthereumConfig struct {
	RPCEndpoints       []RPCEndpoint `mapstructure:"rpc_endpoints"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxConcurrentCalls int64         `mapstructure:"max_concurrent_calls"`
	UniswapV3          UniswapConfig `mapstructure:"uniswap_v3"`
}

// RPCEndpoint represents an Ethereum RPC endpoint
type RPCEndpoint struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// UniswapConfig holds the constants needed to derive V3 pool addresses
type UniswapConfig struct {
	FactoryAddress   string   `mapstructure:"factory_address"`
	PoolInitCodeHash string   `mapstructure:"pool_init_code_hash"`
	FeeTiers         []uint32 `mapstructure:"fee_tiers"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	Region           string `mapstructure:"region"`
	RoutesTable      string `mapstructure:"routes_table"`
	FillFlagsTable   string `mapstructure:"fill_flags_table"`
	PoolsTable       string `mapstructure:"pools_table"`
	FillFunctionName string `mapstructure:"fill_function_name"`
	FillTopicARN     string `mapstructure:"fill_topic_arn"`
}

// Store backends for the route cache, the fill flags and the pool cache
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendLayered  = "layered"
)

// RouteCacheConfig configures the cached routes store
type RouteCacheConfig struct {
	Backend               string           `mapstructure:"backend"`
	OptimisticExtraBlocks uint64           `mapstructure:"optimistic_extra_blocks"`
	Strategies            []StrategyConfig `mapstructure:"strategies"`
}

// StrategyConfig is the bucket list for one pair and trade direction.
// Tokens are registry symbols or hex addresses.
type StrategyConfig struct {
	TokenIn   string         `mapstructure:"token_in"`
	TokenOut  string         `mapstructure:"token_out"`
	TradeType string         `mapstructure:"trade_type"` // exact_input or exact_output
	Buckets   []BucketConfig `mapstructure:"buckets"`
}

// BucketConfig is one trade-size bucket
type BucketConfig struct {
	Bucket                string `mapstructure:"bucket"` // decimal upper bound in amount-token units
	BlocksToLive          uint64 `mapstructure:"blocks_to_live"`
	CacheMode             string `mapstructure:"cache_mode"`
	MaxSplits             int    `mapstructure:"max_splits"`
	WithLastNCachedRoutes int    `mapstructure:"with_last_n_cached_routes"`
	Unbounded             bool   `mapstructure:"unbounded"`
}

// Fill transports
const (
	TransportLambda = "lambda"
	TransportSNS    = "sns"
	TransportNone   = "none"
)

// FillConfig configures asynchronous cache-fill dispatch
type FillConfig struct {
	Transport     string        `mapstructure:"transport"`
	FlagBackend   string        `mapstructure:"flag_backend"`
	FlagTTL       time.Duration `mapstructure:"flag_ttl"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// PoolCacheConfig configures the pool metadata cache
type PoolCacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	L1MaxSize int           `mapstructure:"l1_max_size"`
	L1MaxTTL  time.Duration `mapstructure:"l1_max_ttl"`
	WarmPairs []string      `mapstructure:"warm_pairs"` // BASE-QUOTE, e.g. ETH-USDC
}

// TrafficSwitchConfig configures the migration from the current pool
// provider to the target one
type TrafficSwitchConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SwitchAt is an RFC3339 instant; empty keeps traffic on the current provider
	SwitchAt      string  `mapstructure:"switch_at"`
	SamplePercent float64 `mapstructure:"sample_percent"`
	Workers       int     `mapstructure:"workers"`
	QueueSize     int     `mapstructure:"queue_size"`
}

// RoutingEngineConfig configures the HTTP client of the route computation engine
type RoutingEngineConfig struct {
	BaseURL          string          `mapstructure:"base_url"`
	Timeout          time.Duration   `mapstructure:"timeout"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	BreakerFailures  int             `mapstructure:"breaker_failures"`
	BreakerOpenDelay time.Duration   `mapstructure:"breaker_open_delay"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Exporter     string `mapstructure:"exporter"` // prometheus or otlp
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// ROUTE_CACHE_BACKEND overrides route_cache.backend
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Chain defaults (Ethereum mainnet)
	v.SetDefault("chain.id", 1)
	v.SetDefault("chain.block_time", "12s")

	// Ethereum defaults
	v.SetDefault("ethereum.request_timeout", "5s")
	v.SetDefault("ethereum.max_concurrent_calls", 8)
	v.SetDefault("ethereum.uniswap_v3.factory_address", "0x1F98431c8aD98523631AE4a59f267346ea31F984")
	v.SetDefault("ethereum.uniswap_v3.pool_init_code_hash", "0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")
	v.SetDefault("ethereum.uniswap_v3.fee_tiers", []uint32{100, 500, 3000, 10000})

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// AWS defaults
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.routes_table", "CachedRoutes")
	v.SetDefault("aws.fill_flags_table", "CachedRoutesCacheRequestFlag")
	v.SetDefault("aws.pools_table", "PoolCache")
	v.SetDefault("aws.fill_function_name", "route-cache-filler")

	// Route cache defaults
	v.SetDefault("route_cache.backend", BackendMemory)
	v.SetDefault("route_cache.optimistic_extra_blocks", 5)

	// Fill defaults
	v.SetDefault("fill.transport", TransportNone)
	v.SetDefault("fill.flag_backend", BackendMemory)
	v.SetDefault("fill.flag_ttl", "30s")
	v.SetDefault("fill.workers", 4)
	v.SetDefault("fill.queue_size", 256)
	v.SetDefault("fill.rate_per_second", 50.0)
	v.SetDefault("fill.burst", 20)

	// Pool cache defaults
	v.SetDefault("pool_cache.backend", BackendMemory)
	v.SetDefault("pool_cache.l1_max_size", 10000)
	v.SetDefault("pool_cache.l1_max_ttl", "1m")

	// Traffic switch defaults
	v.SetDefault("traffic_switch.enabled", false)
	v.SetDefault("traffic_switch.sample_percent", 0.0)
	v.SetDefault("traffic_switch.workers", 2)
	v.SetDefault("traffic_switch.queue_size", 128)

	// Routing engine defaults
	v.SetDefault("routing_engine.base_url", "http://localhost:3000")
	v.SetDefault("routing_engine.timeout", "3s")
	v.SetDefault("routing_engine.rate_limit.requests_per_second", 20.0)
	v.SetDefault("routing_engine.rate_limit.burst", 10)
	v.SetDefault("routing_engine.breaker_failures", 5)
	v.SetDefault("routing_engine.breaker_open_delay", "30s")

	// Observability defaults
	v.SetDefault("observability.service_name", "dex-route-cache")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.exporter", "prometheus")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.BlockTime <= 0 {
		return fmt.Errorf("chain block time must be > 0")
	}

	validBackends := map[string]bool{
		BackendMemory:   true,
		BackendRedis:    true,
		BackendDynamoDB: true,
	}
	if !validBackends[c.RouteCache.Backend] {
		return fmt.Errorf("invalid route cache backend: %s", c.RouteCache.Backend)
	}
	if !validBackends[c.Fill.FlagBackend] {
		return fmt.Errorf("invalid fill flag backend: %s", c.Fill.FlagBackend)
	}

	validPoolBackends := map[string]bool{
		BackendMemory:   true,
		BackendLayered:  true,
		BackendDynamoDB: true,
	}
	if !validPoolBackends[c.PoolCache.Backend] {
		return fmt.Errorf("invalid pool cache backend: %s", c.PoolCache.Backend)
	}

	for i, s := range c.RouteCache.Strategies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("route_cache.strategies[%d]: %w", i, err)
		}
	}

	switch c.Fill.Transport {
	case TransportNone:
	case TransportLambda:
		if c.AWS.FillFunctionName == "" {
			return fmt.Errorf("aws fill function name is required for lambda transport")
		}
	case TransportSNS:
		if c.AWS.FillTopicARN == "" {
			return fmt.Errorf("aws fill topic ARN is required for sns transport")
		}
	default:
		return fmt.Errorf("invalid fill transport: %s", c.Fill.Transport)
	}
	if c.Fill.FlagTTL <= 0 {
		return fmt.Errorf("fill flag ttl must be > 0")
	}

	if c.TrafficSwitch.SamplePercent < 0 || c.TrafficSwitch.SamplePercent > 100 {
		return fmt.Errorf("traffic switch sample percent must be within [0, 100]")
	}
	if _, err := c.TrafficSwitch.SwitchTime(); err != nil {
		return err
	}

	for _, pair := range c.PoolCache.WarmPairs {
		if _, _, err := ParsePair(pair); err != nil {
			return fmt.Errorf("pool_cache.warm_pairs: %w", err)
		}
	}

	if c.RouteCache.Backend == BackendRedis || c.Fill.FlagBackend == BackendRedis || c.PoolCache.Backend == BackendLayered {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	}

	if c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}

// Validate checks a single strategy: known tokens, a known trade type and
// well-formed buckets where only the last may be unbounded.
func (s StrategyConfig) Validate() error {
	if _, err := ResolveTokenAddress(s.TokenIn); err != nil {
		return err
	}
	if _, err := ResolveTokenAddress(s.TokenOut); err != nil {
		return err
	}

	switch s.TradeType {
	case "exact_input", "exact_output":
	default:
		return fmt.Errorf("invalid trade type: %s", s.TradeType)
	}

	validModes := map[string]bool{
		"darkmode":   true,
		"tapcompare": true,
		"livemode":   true,
	}
	for i, b := range s.Buckets {
		if _, err := decimal.NewFromString(b.Bucket); err != nil {
			return fmt.Errorf("bucket %d: invalid amount %q: %w", i, b.Bucket, err)
		}
		if !validModes[b.CacheMode] {
			return fmt.Errorf("bucket %d: invalid cache mode: %s", i, b.CacheMode)
		}
		if b.MaxSplits < 0 || b.WithLastNCachedRoutes < 0 {
			return fmt.Errorf("bucket %d: max_splits and with_last_n_cached_routes must be >= 0", i)
		}
		if b.Unbounded && i != len(s.Buckets)-1 {
			return fmt.Errorf("bucket %d: only the last bucket may be unbounded", i)
		}
	}

	return nil
}

// SwitchTime parses SwitchAt. The zero time means no cutover is scheduled.
func (t TrafficSwitchConfig) SwitchTime() (time.Time, error) {
	if t.SwitchAt == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, t.SwitchAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid traffic_switch.switch_at: %w", err)
	}
	return at, nil
}
