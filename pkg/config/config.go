package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the footprint core.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Storage
	DataDir       string // data lake root (raw_tns/, footprint/)
	DBPath        string
	OutputBackend string // "file" (default), "sqlite", "both"

	// Aggregation
	Symbols            []string
	InstrumentsFile    string
	DefaultTimeframe   string
	Workers            int
	InstrumentCacheTTL time.Duration

	// Raw tape recorder
	EnableRecorder bool
	RecorderURL    string
	RecorderToken  string
	RecorderSymbol string

	// HTTP
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/footprint.db")
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		DataDir:            getEnv("DATA_DIR", "./data/lake"),
		DBPath:             dbPath,
		OutputBackend:      strings.ToLower(getEnv("OUTPUT_BACKEND", "file")),
		Symbols:            splitAndTrim(getEnv("SYMBOLS", "ENQ")),
		InstrumentsFile:    getEnv("INSTRUMENTS_FILE", "instruments.yaml"),
		DefaultTimeframe:   getEnv("DEFAULT_TIMEFRAME", "1m"),
		Workers:            getEnvInt("WORKERS", 4),
		InstrumentCacheTTL: getEnvDuration("INSTRUMENT_CACHE_TTL", 5*time.Minute),
		EnableRecorder:     getEnv("ENABLE_RECORDER", "false") == "true",
		RecorderURL:        os.Getenv("RECORDER_URL"),
		RecorderToken:      os.Getenv("RECORDER_TOKEN"),
		RecorderSymbol:     getEnv("RECORDER_SYMBOL", "ENQ"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 50),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
	}, nil
}

// WritesFiles reports whether finalized candles go to the file data lake.
func (c *Config) WritesFiles() bool {
	return c.OutputBackend == "file" || c.OutputBackend == "both" || c.OutputBackend == ""
}

// WritesSQLite reports whether finalized candles go to SQLite.
func (c *Config) WritesSQLite() bool {
	return c.OutputBackend == "sqlite" || c.OutputBackend == "both"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
