// Package config builds the single configuration structure of a run from
// .env files, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys, identical to the environment variable names.
const (
	KeyGitHubToken                = "GITHUB_ACCESS_TOKEN"
	KeyGitHubAPIURL               = "GITHUB_API_URL"
	KeyTopRepositoriesLimit       = "TOP_REPOSITORIES_LIMIT"
	KeyCommitsWindow              = "COMMITS_WINDOW"
	KeyRequestTimeout             = "REQUEST_TIMEOUT"
	KeySecondaryRateLimitMaxSleep = "SECONDARY_RATE_LIMIT_MAX_SLEEP"
	KeyMaxRequestsPerSecond       = "MAX_REQUEST_PER_SECOND"
	KeyMaxConcurrentRequests      = "MAX_CONCURRENT_REQUESTS"
	KeyRetryMaxAttempts           = "RETRY_MAX_ATTEMPTS"
	KeyRetryInitialBackoff        = "RETRY_INITIAL_BACKOFF"
	KeyRetryMaxBackoff            = "RETRY_MAX_BACKOFF"
	KeyRetryDisabled              = "RETRY_DISABLED"
	KeyRedisURL                   = "REDIS_URL"
	KeyCacheRetention             = "CACHE_RETENTION"
	KeySink                       = "SINK"
	KeyBatchSize                  = "CLICKHOUSE_BATCH_SIZE"
	KeyClickHouseURL              = "CLICKHOUSE_URL"
	KeyClickHouseDatabase         = "CLICKHOUSE_DATABASE"
	KeyClickHouseUser             = "CLICKHOUSE_USER"
	KeyClickHousePassword         = "CLICKHOUSE_PASSWORD"
	KeyClickHouseCreateTables     = "CLICKHOUSE_CREATE_TABLES"
	KeyKafkaBrokers               = "KAFKA_BROKERS"
	KeyKafkaTopicPrefix           = "KAFKA_TOPIC_PREFIX"
	KeyHTTPAddr                   = "HTTP_ADDR"
	KeyDBURL                      = "DB_URL"
	KeyLogLevel                   = "LOG_LEVEL"
	KeyLogPretty                  = "LOG_PRETTY"
)

// Config holds all configuration settings.
type Config struct {
	GitHub GitHubConfig
	Limits LimitsConfig
	Retry  RetryConfig
	Cache  CacheConfig
	Sink   SinkConfig
	Server ServerConfig
	Log    LogConfig
}

type GitHubConfig struct {
	Token                      string
	APIURL                     string
	TopRepositoriesLimit       int
	CommitsWindow              time.Duration
	RequestTimeout             time.Duration
	SecondaryRateLimitMaxSleep time.Duration
}

type LimitsConfig struct {
	// MaxRequestsPerSecond is +Inf when unbounded.
	MaxRequestsPerSecond float64
	// MaxConcurrentRequests is 0 when unbounded.
	MaxConcurrentRequests int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Disabled selects the legacy single-attempt mode.
	Disabled bool
}

type CacheConfig struct {
	// RedisURL enables the response cache and shared quota state when set.
	RedisURL  string
	Retention time.Duration
}

type SinkConfig struct {
	Kind                   string
	BatchSize              int
	ClickHouseURL          string
	ClickHouseDatabase     string
	ClickHouseUser         string
	ClickHousePassword     string
	ClickHouseCreateTables bool
	KafkaBrokers           []string
	KafkaTopicPrefix       string
}

type ServerConfig struct {
	Addr  string
	DBURL string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// defaults lists every key with its default value.
var defaults = map[string]any{
	KeyGitHubAPIURL:               "https://api.github.com",
	KeyTopRepositoriesLimit:       100,
	KeyCommitsWindow:              "24h",
	KeyRequestTimeout:             "30s",
	KeySecondaryRateLimitMaxSleep: "1h",
	KeyMaxRequestsPerSecond:       "inf",
	KeyMaxConcurrentRequests:      0,
	KeyRetryMaxAttempts:           3,
	KeyRetryInitialBackoff:        "1s",
	KeyRetryMaxBackoff:            "30s",
	KeyRetryDisabled:              false,
	KeyCacheRetention:             "24h",
	KeySink:                       "clickhouse",
	KeyBatchSize:                  10,
	KeyClickHouseURL:              "http://localhost:8123",
	KeyClickHouseDatabase:         "test",
	KeyClickHouseUser:             "default",
	KeyClickHouseCreateTables:     false,
	KeyKafkaTopicPrefix:           "",
	KeyHTTPAddr:                   ":8080",
	KeyLogLevel:                   "info",
	KeyLogPretty:                  false,
}

// Load reads .env.local and .env (when present), then the YAML file at path
// (when path is not empty), then the environment, which takes precedence.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range []string{KeyGitHubToken, KeyRedisURL, KeyClickHousePassword, KeyKafkaBrokers, KeyDBURL} {
		v.SetDefault(key, "")
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	rps, err := parseRate(v.GetString(KeyMaxRequestsPerSecond))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		GitHub: GitHubConfig{
			Token:                      v.GetString(KeyGitHubToken),
			APIURL:                     v.GetString(KeyGitHubAPIURL),
			TopRepositoriesLimit:       v.GetInt(KeyTopRepositoriesLimit),
			CommitsWindow:              v.GetDuration(KeyCommitsWindow),
			RequestTimeout:             v.GetDuration(KeyRequestTimeout),
			SecondaryRateLimitMaxSleep: v.GetDuration(KeySecondaryRateLimitMaxSleep),
		},
		Limits: LimitsConfig{
			MaxRequestsPerSecond:  rps,
			MaxConcurrentRequests: v.GetInt(KeyMaxConcurrentRequests),
		},
		Retry: RetryConfig{
			MaxAttempts:    v.GetInt(KeyRetryMaxAttempts),
			InitialBackoff: v.GetDuration(KeyRetryInitialBackoff),
			MaxBackoff:     v.GetDuration(KeyRetryMaxBackoff),
			Disabled:       v.GetBool(KeyRetryDisabled),
		},
		Cache: CacheConfig{
			RedisURL:  v.GetString(KeyRedisURL),
			Retention: v.GetDuration(KeyCacheRetention),
		},
		Sink: SinkConfig{
			Kind:                   strings.ToLower(v.GetString(KeySink)),
			BatchSize:              v.GetInt(KeyBatchSize),
			ClickHouseURL:          v.GetString(KeyClickHouseURL),
			ClickHouseDatabase:     v.GetString(KeyClickHouseDatabase),
			ClickHouseUser:         v.GetString(KeyClickHouseUser),
			ClickHousePassword:     v.GetString(KeyClickHousePassword),
			ClickHouseCreateTables: v.GetBool(KeyClickHouseCreateTables),
			KafkaBrokers:           splitList(v.GetString(KeyKafkaBrokers)),
			KafkaTopicPrefix:       v.GetString(KeyKafkaTopicPrefix),
		},
		Server: ServerConfig{
			Addr:  v.GetString(KeyHTTPAddr),
			DBURL: v.GetString(KeyDBURL),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Pretty: v.GetBool(KeyLogPretty),
		},
	}

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence. godotenv never
// overrides a variable that is already set, so earlier files win.
func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

// parseRate accepts a positive number, or "0", "inf", "+Inf" or empty
// meaning unbounded.
func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unbounded") {
		return math.Inf(1), nil
	}
	rate, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", KeyMaxRequestsPerSecond, s, err)
	}
	if rate < 0 || math.IsNaN(rate) {
		return 0, fmt.Errorf("%s must be >= 0 (got %v)", KeyMaxRequestsPerSecond, rate)
	}
	if rate == 0 {
		return math.Inf(1), nil
	}
	return rate, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidationContext specifies what configuration is required.
type ValidationContext string

const (
	// ValidationContextCollect - collect and list need the GitHub side.
	ValidationContextCollect ValidationContext = "collect"
	// ValidationContextServe - serve needs the database URL.
	ValidationContextServe ValidationContext = "serve"
)

// Validate reports every problem for the given context at once.
func (c *Config) Validate(ctx ValidationContext) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch ctx {
	case ValidationContextCollect:
		if c.GitHub.Token == "" {
			add("%s is required", KeyGitHubToken)
		}
		if c.GitHub.APIURL == "" {
			add("%s must not be empty", KeyGitHubAPIURL)
		}
		if c.GitHub.TopRepositoriesLimit < 1 || c.GitHub.TopRepositoriesLimit > 100 {
			add("%s must be within 1..100 (got %d)", KeyTopRepositoriesLimit, c.GitHub.TopRepositoriesLimit)
		}
		if c.GitHub.CommitsWindow <= 0 {
			add("%s must be > 0", KeyCommitsWindow)
		}
		if c.Limits.MaxRequestsPerSecond <= 0 {
			add("%s must be > 0", KeyMaxRequestsPerSecond)
		}
		if c.Limits.MaxConcurrentRequests < 0 {
			add("%s must be >= 0 (got %d)", KeyMaxConcurrentRequests, c.Limits.MaxConcurrentRequests)
		}
		if c.Retry.MaxAttempts < 1 {
			add("%s must be >= 1 (got %d)", KeyRetryMaxAttempts, c.Retry.MaxAttempts)
		}
		if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
			add("retry backoff must not be negative")
		}
		if c.Sink.BatchSize < 1 {
			add("%s must be >= 1 (got %d)", KeyBatchSize, c.Sink.BatchSize)
		}
		switch c.Sink.Kind {
		case "clickhouse":
			if c.Sink.ClickHouseURL == "" {
				add("%s is required for the clickhouse sink", KeyClickHouseURL)
			}
		case "kafka":
			if len(c.Sink.KafkaBrokers) == 0 {
				add("%s is required for the kafka sink", KeyKafkaBrokers)
			}
		case "stdout":
		default:
			add("%s must be one of clickhouse, kafka, stdout (got %q)", KeySink, c.Sink.Kind)
		}
	case ValidationContextServe:
		if c.Server.DBURL == "" {
			add("%s is required", KeyDBURL)
		}
		if c.Server.Addr == "" {
			add("%s must not be empty", KeyHTTPAddr)
		}
	default:
		add("unknown validation context %q", ctx)
	}

	return errors.Join(errs...)
}

// RetryAttempts returns the effective attempt count, 1 in legacy mode.
func (c *Config) RetryAttempts() int {
	if c.Retry.Disabled {
		return 1
	}
	return c.Retry.MaxAttempts
}
