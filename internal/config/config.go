// Package config loads environment configuration (.env aware) and the
// optional engine.yaml autostart file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration, sourced from the environment.
type Config struct {
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string
	PaperMode       bool

	AppEnv string

	DatabaseURL string
	DataDir     string

	LogLevel string
	LogFile  string

	HTTPAddr string
	CacheTTL time.Duration

	MaxDailyLossPct    float64
	MaxPositionSizePct float64
	MaxTradesPerDay    int
	MaxOpenPositions   int
	MinBuyingPowerPct  float64

	EngineConfigPath string
}

const defaultPaperURL = "https://paper-api.alpaca.markets"

// Load reads .env (if present) and the process environment. Missing
// Alpaca credentials are an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using system environment")
	}

	cfg := &Config{
		AlpacaAPIKey:    os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret: os.Getenv("ALPACA_SECRET_KEY"),
		AlpacaBaseURL:   getEnv("ALPACA_BASE_URL", defaultPaperURL),

		AppEnv: getEnv("APP_ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite:///trading.db"),
		DataDir:     getEnv("DATA_DIR", "data/historical"),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogFile:  getEnv("LOG_FILE", ""),

		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),
		CacheTTL: time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 60)) * time.Second,

		MaxDailyLossPct:    getEnvAsFloat64("MAX_DAILY_LOSS_PCT", 2.0),
		MaxPositionSizePct: getEnvAsFloat64("MAX_POSITION_SIZE_PCT", 5.0),
		MaxTradesPerDay:    getEnvAsInt("MAX_TRADES_PER_DAY", 50),
		MaxOpenPositions:   getEnvAsInt("MAX_OPEN_POSITIONS", 20),
		MinBuyingPowerPct:  getEnvAsFloat64("MIN_BUYING_POWER_PCT", 10.0),

		EngineConfigPath: getEnv("ENGINE_CONFIG", ""),
	}

	var missing []string
	if cfg.AlpacaAPIKey == "" {
		missing = append(missing, "ALPACA_API_KEY")
	}
	if cfg.AlpacaAPISecret == "" {
		missing = append(missing, "ALPACA_SECRET_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	// Paper mode is inferred from the URL, not configured separately.
	cfg.PaperMode = strings.Contains(cfg.AlpacaBaseURL, "paper")

	logrus.WithFields(logrus.Fields{
		"api_key":    mask(cfg.AlpacaAPIKey),
		"base_url":   cfg.AlpacaBaseURL,
		"paper_mode": cfg.PaperMode,
		"data_dir":   cfg.DataDir,
		"http_addr":  cfg.HTTPAddr,
	}).Info("configuration loaded")

	return cfg, nil
}

// mask hides a secret except its last four characters.
func mask(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// AutostartEntry names a strategy to start on boot, with optional
// parameter overrides.
type AutostartEntry struct {
	Name       string         `yaml:"name"`
	Parameters map[string]any `yaml:"parameters"`
}

// EngineFile is the engine.yaml shape. The risk section overrides the
// environment-sourced limits, keyed the way the risk manager names
// them (max_daily_loss_pct, max_open_positions, ...).
type EngineFile struct {
	Autostart []AutostartEntry `yaml:"autostart"`
	Risk      map[string]any   `yaml:"risk"`
}

// LoadEngineFile parses engine.yaml, expanding ${VAR} references from
// the environment. An empty path returns an empty file.
func LoadEngineFile(path string) (*EngineFile, error) {
	if path == "" {
		return &EngineFile{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var ef EngineFile
	if err := yaml.Unmarshal([]byte(expanded), &ef); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	return &ef, nil
}
