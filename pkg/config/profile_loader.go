package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay applied on top of environment
// configuration. Profiles carry deployment-specific tuning (demo vs. live
// exchange endpoints, queue sizing) without touching the environment.
type Profile struct {
	Kalshi struct {
		BaseURL        string   `yaml:"base_url"`
		WebsocketURL   string   `yaml:"websocket_url"`
		TimeoutSeconds *float64 `yaml:"timeout_seconds"`
		RateLimit      struct {
			ReadRequestsPerSecond  *float64 `yaml:"read_requests_per_second"`
			WriteRequestsPerSecond *float64 `yaml:"write_requests_per_second"`
			WaitTimeoutSeconds     *float64 `yaml:"wait_timeout_seconds"`
		} `yaml:"rate_limit"`
	} `yaml:"kalshi"`
	Engine struct {
		DBPath          string `yaml:"db_path"`
		ListenAddr      string `yaml:"listen_addr"`
		LedgerQueueSize *int   `yaml:"ledger_queue_size"`
		BusQueueSize    *int   `yaml:"bus_queue_size"`
		FanoutQueueSize *int   `yaml:"fanout_queue_size"`
	} `yaml:"engine"`
}

// LoadProfile reads a YAML profile and applies it to cfg in place.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	p.apply(cfg)
	return nil
}

func (p *Profile) apply(cfg *Config) {
	if p.Kalshi.BaseURL != "" {
		cfg.Kalshi.BaseURL = p.Kalshi.BaseURL
	}
	if p.Kalshi.WebsocketURL != "" {
		cfg.Kalshi.WebsocketURL = p.Kalshi.WebsocketURL
	}
	if p.Kalshi.TimeoutSeconds != nil {
		cfg.Kalshi.Timeout = seconds(*p.Kalshi.TimeoutSeconds)
	}
	if v := p.Kalshi.RateLimit.ReadRequestsPerSecond; v != nil {
		cfg.Kalshi.RateLimit.ReadRequestsPerSecond = *v
	}
	if v := p.Kalshi.RateLimit.WriteRequestsPerSecond; v != nil {
		cfg.Kalshi.RateLimit.WriteRequestsPerSecond = *v
	}
	if v := p.Kalshi.RateLimit.WaitTimeoutSeconds; v != nil {
		cfg.Kalshi.RateLimit.WaitTimeout = seconds(*v)
	}
	if p.Engine.DBPath != "" {
		cfg.Engine.DBPath = p.Engine.DBPath
	}
	if p.Engine.ListenAddr != "" {
		cfg.Engine.ListenAddr = p.Engine.ListenAddr
	}
	if v := p.Engine.LedgerQueueSize; v != nil {
		cfg.Engine.LedgerQueueSize = *v
	}
	if v := p.Engine.BusQueueSize; v != nil {
		cfg.Engine.BusQueueSize = *v
	}
	if v := p.Engine.FanoutQueueSize; v != nil {
		cfg.Engine.FanoutQueueSize = *v
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
