package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"jwt_secret"`

	// NotifyRedisURL enables the Redis notification broker when set.
	NotifyRedisURL string `yaml:"notify_redis_url"`

	// Users are seeded at startup. Account management is external; the
	// pipeline only needs the rows to exist.
	Users []string `yaml:"users"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Geocoding GeocodingConfig `yaml:"geocoding"`
}

// PipelineConfig holds tuning knobs for the processing pipeline workers.
type PipelineConfig struct {
	// IngestIdleTrigger is how long a user's stream must stay quiet before
	// processing starts.
	IngestIdleTrigger time.Duration `yaml:"ingest_idle_trigger"`
	// BatchSize is the number of unprocessed points covered by one stay
	// detection event.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts is the redelivery limit before a queue message is dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`
	// PreviewTTL bounds the lifetime of preview-scoped rows.
	PreviewTTL time.Duration `yaml:"preview_ttl"`
	// Worker counts per stage. The merge stage always runs a single worker
	// regardless of configuration.
	IngestWorkers int `yaml:"ingest_workers"`
	DetectWorkers int `yaml:"detect_workers"`
	TripWorkers   int `yaml:"trip_workers"`
}

// GeocodingConfig controls the reverse geocoding manager.
type GeocodingConfig struct {
	// MaxErrors is the consecutive failure count after which a provider is
	// disabled until manually reset.
	MaxErrors int           `yaml:"max_errors"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
}

// Load builds the configuration from an optional YAML file plus environment
// variable overrides
func Load() *Config {
	cfg := &Config{
		Port:      ":8080",
		DBPath:    "./data/timeline/timeline.db",
		JWTSecret: "your-secret-key-change-in-production",
		Pipeline: PipelineConfig{
			IngestIdleTrigger: 15 * time.Second,
			BatchSize:         100,
			MaxAttempts:       10,
			PreviewTTL:        24 * time.Hour,
			IngestWorkers:     4,
			DetectWorkers:     4,
			TripWorkers:       4,
		},
		Geocoding: GeocodingConfig{
			MaxErrors: 5,
			Timeout:   10 * time.Second,
			Workers:   2,
		},
	}

	// Optional config file, overridden by env vars below.
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("Failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("Failed to parse config file %s: %v", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = ":" + port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if url := os.Getenv("NOTIFY_REDIS_URL"); url != "" {
		cfg.NotifyRedisURL = url
	}
	if users := os.Getenv("USERS"); users != "" {
		cfg.Users = nil
		for _, name := range strings.Split(users, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Users = append(cfg.Users, name)
			}
		}
	}
	if v := os.Getenv("INGEST_IDLE_TRIGGER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.IngestIdleTrigger = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GEOCODING_MAX_ERRORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Geocoding.MaxErrors = n
		}
	}

	return cfg
}
