package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the papertrader platform.
type Config struct {
	Storage Storage      `yaml:"storage"`
	Server  Server       `yaml:"server"`
	Alpaca  Alpaca       `yaml:"alpaca"`
	Logging Logging      `yaml:"logging"`
	Ledger  LedgerConfig `yaml:"ledger"`
	Trader  TraderConfig `yaml:"trader"`
	Regime  RegimeConfig `yaml:"regime"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// LedgerConfig holds the paper account parameters.
type LedgerConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
}

// Session is one intraday trading window in HH:MM local exchange time.
type Session struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// TraderConfig defines the autonomous trading loop parameters.
type TraderConfig struct {
	Universe            []string  `yaml:"universe" json:"universe"`
	Benchmark           string    `yaml:"benchmark" json:"benchmark"`
	PeriodDays          int       `yaml:"period_days" json:"period_days"`
	ScanIntervalSec     int       `yaml:"scan_interval_sec" json:"scan_interval_sec"`
	ErrorBackoffSec     int       `yaml:"error_backoff_sec" json:"error_backoff_sec"`
	MaxBudgetPerTrade   float64   `yaml:"max_budget_per_trade" json:"max_budget_per_trade"`
	MaxTotalInvested    float64   `yaml:"max_total_invested" json:"max_total_invested"`
	LotSize             int64     `yaml:"lot_size" json:"lot_size"`
	Workers             int       `yaml:"workers" json:"workers"`
	StopLossPct         float64   `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct       float64   `yaml:"take_profit_pct" json:"take_profit_pct"`
	RiskPerTrade        float64   `yaml:"risk_per_trade" json:"risk_per_trade"`
	Strategy            string    `yaml:"strategy" json:"strategy"`
	Timezone            string    `yaml:"timezone" json:"timezone"`
	Sessions            []Session `yaml:"sessions" json:"sessions"`
	UseExchangeCalendar bool      `yaml:"use_exchange_calendar" json:"use_exchange_calendar"`
	AutoStart           bool      `yaml:"auto_start" json:"auto_start"`
}

// RegimeConfig tunes the market-regime classifier.
type RegimeConfig struct {
	Window       int     `yaml:"window"`
	HighVol      float64 `yaml:"high_vol"`
	LowVol       float64 `yaml:"low_vol"`
	VIXThreshold float64 `yaml:"vix_threshold"`
	ATRPeriod    int     `yaml:"atr_period"`
	ATRHistory   int     `yaml:"atr_history"`
}

// ScanInterval returns the sleep between trading cycles.
func (t TraderConfig) ScanInterval() time.Duration {
	return time.Duration(t.ScanIntervalSec) * time.Second
}

// ErrorBackoff returns the extended sleep after a failed cycle.
func (t TraderConfig) ErrorBackoff() time.Duration {
	return time.Duration(t.ErrorBackoffSec) * time.Second
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config populated only with defaults. Used when no config
// file is present.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v, ok := envFloat("INITIAL_CAPITAL"); ok {
		cfg.Ledger.InitialCapital = v
	}
	if v, ok := envFloat("MAX_BUDGET_PER_TRADE"); ok {
		cfg.Trader.MaxBudgetPerTrade = v
	}
	if v, ok := envFloat("MAX_TOTAL_INVESTED"); ok {
		cfg.Trader.MaxTotalInvested = v
	}
	if v, ok := envFloat("SCAN_INTERVAL"); ok {
		cfg.Trader.ScanIntervalSec = int(v)
	}

	// Standard Alpaca env vars take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func envFloat(key string) (float64, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/papertrader.db"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 180
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Ledger.InitialCapital == 0 {
		cfg.Ledger.InitialCapital = 1_000_000
	}

	t := &cfg.Trader
	t.Universe = NormalizeTickers(t.Universe)
	t.Benchmark = strings.ToUpper(strings.TrimSpace(t.Benchmark))
	if t.Benchmark == "" {
		t.Benchmark = "SPY"
	}
	if t.PeriodDays == 0 {
		t.PeriodDays = 120
	}
	if t.ScanIntervalSec == 0 {
		t.ScanIntervalSec = 300
	}
	if t.ErrorBackoffSec == 0 {
		t.ErrorBackoffSec = 60
	}
	if t.MaxBudgetPerTrade == 0 {
		t.MaxBudgetPerTrade = 100_000
	}
	if t.MaxTotalInvested == 0 {
		t.MaxTotalInvested = 500_000
	}
	if t.LotSize == 0 {
		t.LotSize = 100
	}
	if t.Workers == 0 {
		t.Workers = 5
	}
	if t.StopLossPct == 0 {
		t.StopLossPct = 0.05
	}
	if t.TakeProfitPct == 0 {
		t.TakeProfitPct = 0.10
	}
	if t.RiskPerTrade == 0 {
		t.RiskPerTrade = 0.02
	}
	if t.Strategy == "" {
		t.Strategy = "sma-cross"
	}
	if t.Timezone == "" {
		t.Timezone = "America/New_York"
	}
	if len(t.Sessions) == 0 {
		t.Sessions = []Session{
			{Start: "09:30", End: "12:00"},
			{Start: "13:00", End: "16:00"},
		}
	}

	r := &cfg.Regime
	if r.Window == 0 {
		r.Window = 20
	}
	if r.HighVol == 0 {
		r.HighVol = 0.40
	}
	if r.LowVol == 0 {
		r.LowVol = 0.15
	}
	if r.VIXThreshold == 0 {
		r.VIXThreshold = 30
	}
	if r.ATRPeriod == 0 {
		r.ATRPeriod = 14
	}
	if r.ATRHistory == 0 {
		r.ATRHistory = 60
	}
}

// NormalizeTickers trims and upper-cases tickers, dropping blanks and
// duplicates while keeping first-seen order.
func NormalizeTickers(tickers []string) []string {
	if len(tickers) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, tk := range tickers {
		tk = strings.ToUpper(strings.TrimSpace(tk))
		if tk == "" || seen[tk] {
			continue
		}
		seen[tk] = true
		out = append(out, tk)
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("ledger.initial_capital must be positive, got %v", c.Ledger.InitialCapital))
	}
	if c.Trader.MaxBudgetPerTrade <= 0 {
		errs = append(errs, fmt.Errorf("trader.max_budget_per_trade must be positive, got %v", c.Trader.MaxBudgetPerTrade))
	}
	if c.Trader.MaxTotalInvested <= 0 {
		errs = append(errs, fmt.Errorf("trader.max_total_invested must be positive, got %v", c.Trader.MaxTotalInvested))
	}
	if c.Trader.LotSize <= 0 {
		errs = append(errs, fmt.Errorf("trader.lot_size must be positive, got %d", c.Trader.LotSize))
	}
	if c.Trader.Workers <= 0 {
		errs = append(errs, fmt.Errorf("trader.workers must be positive, got %d", c.Trader.Workers))
	}
	if _, err := time.LoadLocation(c.Trader.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("trader.timezone %q: %w", c.Trader.Timezone, err))
	}
	for i, s := range c.Trader.Sessions {
		start, err1 := ParseClock(s.Start)
		end, err2 := ParseClock(s.End)
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("trader.sessions[%d]: malformed window %q-%q", i, s.Start, s.End))
			continue
		}
		if end <= start {
			errs = append(errs, fmt.Errorf("trader.sessions[%d]: end %s is not after start %s", i, s.End, s.Start))
		}
	}
	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(hm string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hm))
	if err != nil {
		return 0, fmt.Errorf("parsing clock %q: %w", hm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
