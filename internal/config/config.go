// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KALSHI_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Spot     SpotConfig     `mapstructure:"spot"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds Kalshi API access. APIKey is the key ID issued by
// the exchange; the private key (PEM, RSA) signs every request. Exactly
// one of PrivateKey / PrivateKeyPath must be set.
type ExchangeConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	PrivateKey     string        `mapstructure:"private_key"`      // PEM content
	PrivateKeyPath string        `mapstructure:"private_key_path"` // path to PEM file
	BaseURL        string        `mapstructure:"base_url"`
	SeriesTicker   string        `mapstructure:"series_ticker"` // e.g. KXSOL15M
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DemoMode       bool          `mapstructure:"demo_mode"`
}

// SpotConfig holds the public spot-price endpoints for the underlying.
// Primary is tried first; Fallback only on primary failure.
type SpotConfig struct {
	PrimaryURL  string        `mapstructure:"primary_url"`
	FallbackURL string        `mapstructure:"fallback_url"`
	KlineURL    string        `mapstructure:"kline_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StrategyConfig tunes the high-confidence threshold strategy.
//
//   - Bankroll: capital base for Kelly sizing, in dollars.
//   - KellyFraction: fraction of full Kelly to bet (0.15 = 15%).
//   - MinProbability: model probability required on the chosen side.
//   - MinEdge: model-vs-market divergence required to emit a signal.
//   - MinConfidence: signals below this never reach the order path.
//   - MinTimeRemaining/MaxTimeRemaining: tradeable window inside the
//     15-minute contract (too close to expiry is noise, too early has
//     no information).
//   - UseMonteCarlo: estimate probability with GBM simulation instead of
//     the closed-form lognormal solution.
type StrategyConfig struct {
	Enabled          []string      `mapstructure:"enabled"`
	Bankroll         float64       `mapstructure:"bankroll"`
	KellyFraction    float64       `mapstructure:"kelly_fraction"`
	MinProbability   float64       `mapstructure:"min_probability"`
	MinEdge          float64       `mapstructure:"min_edge"`
	MinConfidence    float64       `mapstructure:"min_confidence"`
	MinTimeRemaining time.Duration `mapstructure:"min_time_remaining"`
	MaxTimeRemaining time.Duration `mapstructure:"max_time_remaining"`
	SignalTTL        time.Duration `mapstructure:"signal_ttl"`
	UseMonteCarlo    bool          `mapstructure:"use_monte_carlo"`
	MonteCarloPaths  int           `mapstructure:"monte_carlo_paths"`
}

// RiskConfig sets the admission gates and circuit-breaker layers.
//
//   - PositionCeilingPct: max cost of one trade as a fraction of bankroll.
//   - MaxConcurrentPositions: cap on simultaneously open positions.
//   - CircuitBreakerLossThreshold: Layer-1, daily realized loss as a
//     fraction of bankroll; auto-clears at UTC midnight.
//   - WeeklyDrawdownCap: Layer-2, drawdown from the Monday-00:00-UTC
//     equity anchor; auto-clears at the weekly rollover.
//   - CircuitBreakerDrawdownThreshold: Layer-3, session drawdown from the
//     equity peak; cleared only by operator reset.
//   - MinEdgeThreshold + UncertaintyBuffer: combined minimum |edge| the
//     edge gate demands before any order.
//
// MaxPositionSize and MaxDailyLoss are the legacy dollar-denominated
// fields. When set they must agree with the fraction fields against the
// configured bankroll; Validate refuses to start otherwise.
type RiskConfig struct {
	PositionCeilingPct              float64 `mapstructure:"position_ceiling_pct"`
	MaxConcurrentPositions          int     `mapstructure:"max_concurrent_positions"`
	CircuitBreakerLossThreshold     float64 `mapstructure:"circuit_breaker_loss_threshold"`
	WeeklyDrawdownCap               float64 `mapstructure:"weekly_drawdown_cap"`
	CircuitBreakerDrawdownThreshold float64 `mapstructure:"circuit_breaker_drawdown_threshold"`
	MinEdgeThreshold                float64 `mapstructure:"min_edge_threshold"`
	UncertaintyBuffer               float64 `mapstructure:"uncertainty_buffer"`

	// Legacy dollar caps, superseded by the fraction fields.
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
}

// TradingConfig controls loop cadences and order hygiene.
type TradingConfig struct {
	LoopInterval       time.Duration `mapstructure:"loop_interval"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	StaleOrderAge      time.Duration `mapstructure:"stale_order_age"`
	PriceHistoryWindow time.Duration `mapstructure:"price_history_window"`
}

// ServerConfig controls the operator REST/WebSocket server.
type ServerConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	RoutePrefix         string        `mapstructure:"route_prefix"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins"`
	WSHeartbeatInterval time.Duration `mapstructure:"ws_heartbeat_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KALSHI_API_KEY, KALSHI_PRIVATE_KEY,
// KALSHI_PRIVATE_KEY_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KALSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KALSHI_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if pem := os.Getenv("KALSHI_PRIVATE_KEY"); pem != "" {
		cfg.Exchange.PrivateKey = pem
	}
	if p := os.Getenv("KALSHI_PRIVATE_KEY_PATH"); p != "" {
		cfg.Exchange.PrivateKeyPath = p
	}
	if os.Getenv("KALSHI_DRY_RUN") == "true" || os.Getenv("KALSHI_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("exchange.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("exchange.series_ticker", "KXSOL15M")
	v.SetDefault("exchange.request_timeout", 30*time.Second)

	v.SetDefault("spot.primary_url", "https://api.binance.us/api/v3/ticker/price?symbol=SOLUSDT")
	v.SetDefault("spot.fallback_url", "https://api.kraken.com/0/public/Ticker?pair=SOLUSD")
	v.SetDefault("spot.kline_url", "https://api.binance.com/api/v3/klines")
	v.SetDefault("spot.timeout", 5*time.Second)

	v.SetDefault("strategy.enabled", []string{"high_confidence_threshold"})
	v.SetDefault("strategy.bankroll", 10000.0)
	v.SetDefault("strategy.kelly_fraction", 0.15)
	v.SetDefault("strategy.min_probability", 0.95)
	v.SetDefault("strategy.min_edge", 0.05)
	v.SetDefault("strategy.min_confidence", 0.5)
	v.SetDefault("strategy.min_time_remaining", 30*time.Second)
	v.SetDefault("strategy.max_time_remaining", 600*time.Second)
	v.SetDefault("strategy.signal_ttl", 60*time.Second)
	v.SetDefault("strategy.monte_carlo_paths", 10000)

	v.SetDefault("risk.position_ceiling_pct", 0.02)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.circuit_breaker_loss_threshold", 0.05)
	v.SetDefault("risk.weekly_drawdown_cap", 0.10)
	v.SetDefault("risk.circuit_breaker_drawdown_threshold", 0.15)
	v.SetDefault("risk.min_edge_threshold", 0.02)
	v.SetDefault("risk.uncertainty_buffer", 0.03)

	v.SetDefault("trading.loop_interval", time.Second)
	v.SetDefault("trading.monitor_interval", 2*time.Second)
	v.SetDefault("trading.reconcile_interval", 10*time.Second)
	v.SetDefault("trading.stale_order_age", 14*time.Minute)
	v.SetDefault("trading.price_history_window", 15*time.Minute)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.route_prefix", "/api/v1")
	v.SetDefault("server.ws_heartbeat_interval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.dir", "logs")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set KALSHI_API_KEY)")
	}
	if c.Exchange.PrivateKey == "" && c.Exchange.PrivateKeyPath == "" {
		return fmt.Errorf("one of exchange.private_key or exchange.private_key_path is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Spot.PrimaryURL == "" {
		return fmt.Errorf("spot.primary_url is required")
	}
	if c.Strategy.Bankroll <= 0 {
		return fmt.Errorf("strategy.bankroll must be > 0")
	}
	if c.Strategy.KellyFraction <= 0 || c.Strategy.KellyFraction > 1 {
		return fmt.Errorf("strategy.kelly_fraction must be in (0, 1]")
	}
	if c.Strategy.MinProbability <= 0.5 || c.Strategy.MinProbability > 1 {
		return fmt.Errorf("strategy.min_probability must be in (0.5, 1]")
	}
	if c.Strategy.MinEdge < 0 {
		return fmt.Errorf("strategy.min_edge must be >= 0")
	}
	if c.Strategy.MinTimeRemaining >= c.Strategy.MaxTimeRemaining {
		return fmt.Errorf("strategy.min_time_remaining must be < strategy.max_time_remaining")
	}
	if c.Strategy.UseMonteCarlo && c.Strategy.MonteCarloPaths <= 0 {
		return fmt.Errorf("strategy.monte_carlo_paths must be > 0 when use_monte_carlo is set")
	}
	if c.Risk.MaxConcurrentPositions < 1 {
		return fmt.Errorf("risk.max_concurrent_positions must be >= 1")
	}
	for name, val := range map[string]float64{
		"risk.position_ceiling_pct":               c.Risk.PositionCeilingPct,
		"risk.circuit_breaker_loss_threshold":     c.Risk.CircuitBreakerLossThreshold,
		"risk.weekly_drawdown_cap":                c.Risk.WeeklyDrawdownCap,
		"risk.circuit_breaker_drawdown_threshold": c.Risk.CircuitBreakerDrawdownThreshold,
	} {
		if val <= 0 || val >= 1 {
			return fmt.Errorf("%s must be in (0, 1)", name)
		}
	}
	if c.Risk.MinEdgeThreshold < 0 || c.Risk.UncertaintyBuffer < 0 {
		return fmt.Errorf("risk.min_edge_threshold and risk.uncertainty_buffer must be >= 0")
	}

	// Legacy dollar caps must agree with the fraction fields. A config
	// that says both "cap trades at $1000" and "cap trades at 2% of a
	// $10000 bankroll" is lying to someone.
	bankroll := c.Strategy.Bankroll
	if c.Risk.MaxPositionSize > 0 {
		want := bankroll * c.Risk.PositionCeilingPct
		if math.Abs(c.Risk.MaxPositionSize-want) > 0.01 {
			return fmt.Errorf("risk.max_position_size (%.2f) conflicts with position_ceiling_pct (%.2f%% of bankroll = %.2f); remove the legacy field or make them agree",
				c.Risk.MaxPositionSize, c.Risk.PositionCeilingPct*100, want)
		}
	}
	if c.Risk.MaxDailyLoss > 0 {
		want := bankroll * c.Risk.CircuitBreakerLossThreshold
		if math.Abs(c.Risk.MaxDailyLoss-want) > 0.01 {
			return fmt.Errorf("risk.max_daily_loss (%.2f) conflicts with circuit_breaker_loss_threshold (%.2f%% of bankroll = %.2f); remove the legacy field or make them agree",
				c.Risk.MaxDailyLoss, c.Risk.CircuitBreakerLossThreshold*100, want)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	if c.Server.RoutePrefix == "" || !strings.HasPrefix(c.Server.RoutePrefix, "/") {
		return fmt.Errorf("server.route_prefix must start with /")
	}
	return nil
}

// PrivateKeyPEM returns the private key content, reading the file if only
// a path was configured.
func (c *ExchangeConfig) PrivateKeyPEM() (string, error) {
	if c.PrivateKey != "" {
		return c.PrivateKey, nil
	}
	data, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("read private key file: %w", err)
	}
	return string(data), nil
}
