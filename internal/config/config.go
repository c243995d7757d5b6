package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// NTAAPIKey authenticates against the GTFS-realtime feeds. Its absence
	// is non-fatal: the poller warns and skips ticks until a key appears.
	NTAAPIKey string `env:"NTA_API_KEY"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	VehiclesURL    string   `env:"GTFS_RT_VEHICLES_URL" envDefault:"https://api.nationaltransport.ie/gtfsr/v2/Vehicles"`
	TripUpdatesURL string   `env:"GTFS_RT_TRIP_UPDATES_URL" envDefault:"https://api.nationaltransport.ie/gtfsr/v2/TripUpdates"`
	GTFSStaticURLs []string `env:"GTFS_STATIC_URLS" envSeparator:"," envDefault:"https://www.transportforireland.ie/transitData/Data/GTFS_Dublin_Bus.zip"`

	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`
	StatsFile     string        `env:"STATS_FILE" envDefault:"./data/network_stats.jsonl"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"300s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
	RedisURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}

	return cfg, nil
}
