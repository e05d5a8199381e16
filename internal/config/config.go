// Package config defines all configuration for the risk manager.
// Config is loaded from a YAML file (default: config.yaml) with sensitive
// fields overridable via RISK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Gateway GatewayConfig `mapstructure:"ib_gateway"`
	TWS     TWSConfig     `mapstructure:"tws"`
	FX      FXConfig      `mapstructure:"fx"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig selects which gateway implementation talks to the broker.
type BrokerConfig struct {
	// Backend is "rest" (Client Portal session-cookie API) or "tws"
	// (async socket API).
	Backend string `mapstructure:"backend"`
}

// RiskConfig holds the account set and the risk-calculation parameters.
//
//   - Accounts: broker account IDs included in every report.
//   - BaseCurrency: all report totals are normalized to this currency.
//   - UnprotectedLossPercentage: assumed exit distance (percent of entry
//     price) for positions that have no protective stop.
type RiskConfig struct {
	Accounts                  []string `mapstructure:"accounts"`
	BaseCurrency              string   `mapstructure:"base_currency"`
	UnprotectedLossPercentage float64  `mapstructure:"unprotected_loss_percentage"`
}

// GatewayConfig holds the Client Portal REST connection. SessionCookie is
// pasted from an authenticated browser session; the gateway sends it verbatim.
// SwitchDelay and RefreshDelay pace the account-switch and force-refresh
// steps of the orders read; the broker applies both asynchronously server-side
// and smaller values have been observed to return stale data.
type GatewayConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SessionCookie string        `mapstructure:"session_cookie"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SwitchDelay   time.Duration `mapstructure:"switch_delay"`
	RefreshDelay  time.Duration `mapstructure:"refresh_delay"`
}

// TWSConfig holds the socket API connection.
type TWSConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ClientID int    `mapstructure:"client_id"`
}

// FXConfig points at the exchange-rate endpoint. The base currency is
// appended to URL, and the response carries a "rates" object of
// base → other quotes. DataDir, when set, persists the last fetched rate
// table so restarts during an endpoint outage keep converting; empty
// disables snapshots.
type FXConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	DataDir string        `mapstructure:"data_dir"`
}

// ServerConfig controls the HTTP API server. KeepaliveCron is a standard
// 5-field cron expression for the session tickle; empty disables it.
type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	KeepaliveCron  string   `mapstructure:"keepalive_cron"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: RISK_SESSION_COOKIE overrides
// ib_gateway.session_cookie. An empty path skips the file and uses
// defaults + environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker.backend", "rest")
	v.SetDefault("risk.base_currency", "EUR")
	v.SetDefault("risk.unprotected_loss_percentage", 50.0)
	v.SetDefault("ib_gateway.base_url", "https://localhost:5500/v1/api")
	v.SetDefault("ib_gateway.timeout", 30*time.Second)
	v.SetDefault("ib_gateway.switch_delay", 200*time.Millisecond)
	v.SetDefault("ib_gateway.refresh_delay", 300*time.Millisecond)
	v.SetDefault("tws.host", "127.0.0.1")
	v.SetDefault("tws.port", 4001)
	v.SetDefault("tws.client_id", 1)
	v.SetDefault("fx.url", "https://api.frankfurter.app/latest?from=")
	v.SetDefault("fx.timeout", 10*time.Second)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.keepalive_cron", "*/3 * * * *")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if cookie := os.Getenv("RISK_SESSION_COOKIE"); cookie != "" {
		cfg.Gateway.SessionCookie = cookie
	}
	if accounts := os.Getenv("RISK_ACCOUNTS"); accounts != "" {
		cfg.Risk.Accounts = splitAccounts(accounts)
	}

	return &cfg, nil
}

// splitAccounts parses a comma-separated account list from the environment.
func splitAccounts(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Broker.Backend {
	case "rest", "tws":
	default:
		return fmt.Errorf("broker.backend must be \"rest\" or \"tws\", got %q", c.Broker.Backend)
	}
	if len(c.Risk.Accounts) == 0 {
		return fmt.Errorf("risk.accounts is required (set RISK_ACCOUNTS)")
	}
	if c.Risk.BaseCurrency == "" {
		return fmt.Errorf("risk.base_currency is required")
	}
	if c.Risk.UnprotectedLossPercentage <= 0 || c.Risk.UnprotectedLossPercentage >= 100 {
		return fmt.Errorf("risk.unprotected_loss_percentage must be between 0 and 100 exclusive")
	}
	if c.Broker.Backend == "rest" && c.Gateway.BaseURL == "" {
		return fmt.Errorf("ib_gateway.base_url is required for the rest backend")
	}
	if c.Broker.Backend == "tws" {
		if c.TWS.Host == "" {
			return fmt.Errorf("tws.host is required for the tws backend")
		}
		if c.TWS.Port <= 0 || c.TWS.Port > 65535 {
			return fmt.Errorf("tws.port must be a valid TCP port, got %d", c.TWS.Port)
		}
		if c.TWS.ClientID < 0 {
			return fmt.Errorf("tws.client_id must be >= 0")
		}
	}
	if c.FX.URL == "" {
		return fmt.Errorf("fx.url is required")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	return nil
}
