package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for quoted.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	ToleranceBps  uint64          `yaml:"tolerance_bps"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Admin         AdminConfig     `yaml:"admin"`
	Assets        []Asset     `yaml:"assets"`
	Feeds         []Feed      `yaml:"feeds"`
	Chains        []Chain     `yaml:"chains"`
}

// RateLimitConfig caps per-client throughput on the public endpoints. Zero
// requests_per_minute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// AdminConfig secures the privileged chain-mutation endpoints.
type AdminConfig struct {
	BearerToken string     `yaml:"bearer_token"`
	TLS         TLSConfig  `yaml:"tls"`
	MTLS        MTLSConfig `yaml:"mtls"`
}

// TLSConfig describes TLS settings for the HTTP listener.
type TLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// MTLSConfig enables client-certificate authentication for admin calls.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientCAPath string `yaml:"client_ca"`
}

// Asset declares the native decimal precision for one asset symbol.
type Asset struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// Feed describes one upstream price feed.
type Feed struct {
	Ref      string `yaml:"ref"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Decimals uint8  `yaml:"decimals"`
}

// Chain declares the hop sequence and staleness bound for one source asset.
type Chain struct {
	FromAsset    string   `yaml:"from"`
	MaxStaleness Duration `yaml:"max_staleness"`
	Hops         []Hop    `yaml:"hops"`
}

// Hop is one step of a configured chain.
type Hop struct {
	Feed    string   `yaml:"feed"`
	Reverse bool     `yaml:"reverse"`
	MaxAge  Duration `yaml:"max_age"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/quoted.sqlite"
	}
	if cfg.ToleranceBps == 0 {
		cfg.ToleranceBps = 50
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].MaxStaleness.Duration == 0 {
			cfg.Chains[i].MaxStaleness.Duration = 2 * time.Minute
		}
		for j := range cfg.Chains[i].Hops {
			if cfg.Chains[i].Hops[j].MaxAge.Duration == 0 {
				cfg.Chains[i].Hops[j].MaxAge.Duration = 2 * time.Minute
			}
		}
	}
}

func validate(cfg Config) error {
	if cfg.ToleranceBps > 10_000 {
		return fmt.Errorf("tolerance_bps must not exceed 10000")
	}
	if len(cfg.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	for _, asset := range cfg.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("asset symbol must not be empty")
		}
	}
	for _, feed := range cfg.Feeds {
		if feed.Ref == "" {
			return fmt.Errorf("feed ref must not be empty")
		}
	}
	for _, chain := range cfg.Chains {
		if chain.FromAsset == "" {
			return fmt.Errorf("chain from asset must not be empty")
		}
		if len(chain.Hops) == 0 {
			return fmt.Errorf("chain for %s must declare at least one hop", chain.FromAsset)
		}
	}
	return nil
}
