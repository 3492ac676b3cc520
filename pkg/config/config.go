// Package config loads engine configuration from environment variables with
// an optional YAML profile overlay.
package config

import (
	"os"
	"strconv"
	"time"
)

// RetryConfig controls HTTP retry behavior for exchange calls.
type RetryConfig struct {
	MaxAttempts    int
	BackoffSeconds time.Duration
}

// RateLimitConfig sizes the shared sliding-window buckets.
type RateLimitConfig struct {
	ReadRequestsPerSecond  float64
	WriteRequestsPerSecond float64
	WaitTimeout            time.Duration
}

// StreamReconnectConfig tunes the market-data reconnect state machine.
type StreamReconnectConfig struct {
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	JitterRatio           float64
	MaxRetryWindow        time.Duration
	StableConnect         time.Duration
	DegradedAfterAttempts int
}

// KalshiConfig holds the exchange connector configuration. The API key
// secret is process-private and must never appear in logs.
type KalshiConfig struct {
	BaseURL         string
	WebsocketURL    string
	APIKeyID        string
	APIKeySecret    string
	Timeout         time.Duration
	Retry           RetryConfig
	RateLimit       RateLimitConfig
	StreamReconnect StreamReconnectConfig
}

// EngineConfig holds sidecar-local configuration.
type EngineConfig struct {
	DBPath            string
	ListenAddr        string
	AuthToken         string
	LedgerQueueSize   int
	BusQueueSize      int
	LockRetryLimit    int
	LockBackoffBase   time.Duration
	LockBackoffCap    time.Duration
	FanoutQueueSize   int
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

// Config is the full process configuration.
type Config struct {
	Kalshi KalshiConfig
	Engine EngineConfig
}

// Load builds configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Kalshi: KalshiConfig{
			BaseURL:      envStr("KALSHI_BASE_URL", "https://trading-api.kalshi.com/trade-api/v2"),
			WebsocketURL: envStr("KALSHI_WEBSOCKET_URL", "wss://trading-api.kalshi.com/trade-api/ws/v2"),
			APIKeyID:     os.Getenv("KALSHI_API_KEY_ID"),
			APIKeySecret: os.Getenv("KALSHI_API_KEY_SECRET"),
			Timeout:      envSeconds("KALSHI_TIMEOUT_SECONDS", 10),
			Retry: RetryConfig{
				MaxAttempts:    envInt("KALSHI_RETRY_MAX_ATTEMPTS", 3),
				BackoffSeconds: envSeconds("KALSHI_RETRY_BACKOFF_SECONDS", 0.5),
			},
			RateLimit: RateLimitConfig{
				ReadRequestsPerSecond:  envFloat("KALSHI_RATE_LIMIT_READ_RPS", 10),
				WriteRequestsPerSecond: envFloat("KALSHI_RATE_LIMIT_WRITE_RPS", 5),
				WaitTimeout:            envSeconds("KALSHI_RATE_LIMIT_WAIT_TIMEOUT_SECONDS", 2),
			},
			StreamReconnect: StreamReconnectConfig{
				BaseBackoff:           envSeconds("KALSHI_STREAM_BASE_BACKOFF_SECONDS", 0.5),
				MaxBackoff:            envSeconds("KALSHI_STREAM_MAX_BACKOFF_SECONDS", 30),
				JitterRatio:           envFloat("KALSHI_STREAM_JITTER_RATIO", 0.2),
				MaxRetryWindow:        envSeconds("KALSHI_STREAM_MAX_RETRY_WINDOW_SECONDS", 300),
				StableConnect:         envSeconds("KALSHI_STREAM_STABLE_CONNECT_SECONDS", 30),
				DegradedAfterAttempts: envInt("KALSHI_STREAM_DEGRADED_AFTER_ATTEMPTS", 3),
			},
		},
		Engine: EngineConfig{
			DBPath:            envStr("ENGINE_DB_PATH", "pulsetrader.db"),
			ListenAddr:        envStr("ENGINE_LISTEN_ADDR", "127.0.0.1:7891"),
			AuthToken:         os.Getenv("ENGINE_AUTH_TOKEN"),
			LedgerQueueSize:   envInt("ENGINE_LEDGER_QUEUE_SIZE", 5000),
			BusQueueSize:      envInt("ENGINE_BUS_QUEUE_SIZE", 1024),
			LockRetryLimit:    envInt("ENGINE_LOCK_RETRY_LIMIT", 5),
			LockBackoffBase:   envSeconds("ENGINE_LOCK_BACKOFF_BASE_SECONDS", 0.1),
			LockBackoffCap:    envSeconds("ENGINE_LOCK_BACKOFF_CAP_SECONDS", 5),
			FanoutQueueSize:   envInt("ENGINE_FANOUT_QUEUE_SIZE", 128),
			HeartbeatInterval: envSeconds("ENGINE_HEARTBEAT_INTERVAL_SECONDS", 15),
			StaleTimeout:      envSeconds("ENGINE_STALE_TIMEOUT_SECONDS", 45),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envSeconds(key string, fallback float64) time.Duration {
	return time.Duration(envFloat(key, fallback) * float64(time.Second))
}
