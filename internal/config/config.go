package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreDatabase = "database"
	StoreRedis    = "redis"
)

// StoreConfig selects the key store backend.
type StoreConfig struct {
	Type     string `yaml:"type"`
	FilePath string `yaml:"file_path"`
	Watch    bool   `yaml:"watch"`
}

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// RedisConfig holds the redis connection information.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables publishing usage events. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LedgerConfig holds configuration for the usage ledger.
type LedgerConfig struct {
	QueueSize int         `yaml:"queue_size"`
	Kafka     KafkaConfig `yaml:"kafka"`
}

// GateConfig holds configuration for the request gate.
type GateConfig struct {
	ExemptPaths []string `yaml:"exempt_paths"`
}

// FreeTierConfig is the policy for self-service keys.
type FreeTierConfig struct {
	Limit    int64  `yaml:"limit"`
	Duration string `yaml:"duration"`
	Owner    string `yaml:"owner"`
}

// WindowDuration parses Duration. LoadConfig has already validated it.
func (f FreeTierConfig) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(f.Duration)
	return d
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// SessionConfig holds configuration for dashboard sessions.
type SessionConfig struct {
	Secret string `yaml:"secret"`
	Name   string `yaml:"name"`
	MaxAge int    `yaml:"max_age"`
	Secure bool   `yaml:"secure"`
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	StatsSpec string `yaml:"stats_spec"`
}

// PerimeterConfig holds configuration for the per-IP limiter.
type PerimeterConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	IdleTTL string  `yaml:"idle_ttl"`
}

// IdleDuration parses IdleTTL. LoadConfig has already validated it.
func (p PerimeterConfig) IdleDuration() time.Duration {
	d, _ := time.ParseDuration(p.IdleTTL)
	return d
}

// MaintenanceConfig switches the API into maintenance mode.
type MaintenanceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
}

// UpstreamConfig routes gated requests under Prefix to Targets. An Offline
// upstream stays mounted and gated but answers 503 without contacting Targets.
type UpstreamConfig struct {
	Prefix  string   `yaml:"prefix"`
	Targets []string `yaml:"targets"`
	Offline bool     `yaml:"offline"`
}

// Config holds the configuration for the gateway.
type Config struct {
	Port        int               `yaml:"port"`
	Debug       bool              `yaml:"debug"`
	Store       StoreConfig       `yaml:"store"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Gate        GateConfig        `yaml:"gate"`
	FreeTier    FreeTierConfig    `yaml:"free_tier"`
	Admin       AdminConfig       `yaml:"admin"`
	Session     SessionConfig     `yaml:"session"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Perimeter   PerimeterConfig   `yaml:"perimeter"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Upstreams   []UpstreamConfig  `yaml:"upstreams"`
}

// DefaultExemptPaths are the routes the gate never checks for a key.
var DefaultExemptPaths = []string{
	"/api/free-key",
	"/api/register",
	"/api/auth/",
	"/api/keys",
	"/api/analytics",
	"/api/internal/",
	"/api/admin/",
	"/metrics",
	"/healthz",
}

// MatchPathPrefix reports whether path lies under prefix. A prefix ending in
// "/" covers everything below it; any other prefix must match whole path
// segments, so "/api/keys" covers "/api/keys/1" but not "/api/keysmith".
func MatchPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file leaves an empty config; defaults and the environment fill it in.

	// A missing .env is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnv(&config)
	warnings = append(warnings, applyDefaults(&config)...)

	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return &config, strings.Join(warnings, "; "), nil
}

func applyDefaults(config *Config) []string {
	var warnings []string
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Store.Type == "" {
		config.Store.Type = StoreMemory
		warnings = append(warnings, "store.type not set, using in-memory store")
	}
	if config.Store.Type == StoreFile && config.Store.FilePath == "" {
		config.Store.FilePath = "keygate.json"
	}
	if config.Ledger.QueueSize == 0 {
		config.Ledger.QueueSize = 1024
	}
	if len(config.Ledger.Kafka.Brokers) > 0 && config.Ledger.Kafka.Topic == "" {
		config.Ledger.Kafka.Topic = "keygate.usage"
	}
	if config.Gate.ExemptPaths == nil {
		config.Gate.ExemptPaths = append([]string(nil), DefaultExemptPaths...)
	}
	if config.FreeTier.Limit == 0 {
		config.FreeTier.Limit = 500
	}
	if config.FreeTier.Duration == "" {
		config.FreeTier.Duration = "2h"
	}
	if config.FreeTier.Owner == "" {
		config.FreeTier.Owner = "xapis-LLC"
	}
	if config.Admin.Password == "" {
		warnings = append(warnings, "admin.password not set, admin API is disabled")
	}
	if config.Session.Name == "" {
		config.Session.Name = "keygate-session"
	}
	if config.Session.MaxAge == 0 {
		config.Session.MaxAge = 7 * 24 * 3600
	}
	if config.Session.Secret == "" {
		warnings = append(warnings, "session.secret not set, dashboard sessions will not survive a restart")
	}
	if config.Scheduler.StatsSpec == "" {
		config.Scheduler.StatsSpec = "@every 1m"
	}
	if config.Perimeter.RPS == 0 {
		config.Perimeter.RPS = 10
	}
	if config.Perimeter.Burst == 0 {
		config.Perimeter.Burst = 20
	}
	if config.Perimeter.IdleTTL == "" {
		config.Perimeter.IdleTTL = "10m"
	}
	if config.Maintenance.Message == "" {
		config.Maintenance.Message = "Service is under maintenance. Please try again later."
	}
	return warnings
}

// applyEnv overrides file values with KEYGATE_* environment variables.
func applyEnv(config *Config) {
	if v := os.Getenv("KEYGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Port = p
		}
	}
	if v := os.Getenv("KEYGATE_DEBUG"); v != "" {
		config.Debug = v == "true"
	}
	if v := os.Getenv("KEYGATE_STORE_TYPE"); v != "" {
		config.Store.Type = v
	}
	if v := os.Getenv("KEYGATE_STORE_FILE"); v != "" {
		config.Store.FilePath = v
	}
	if v := os.Getenv("KEYGATE_DATABASE_TYPE"); v != "" {
		config.Database.Type = v
	}
	if v := os.Getenv("KEYGATE_DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("KEYGATE_REDIS_ADDR"); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv("KEYGATE_REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("KEYGATE_KAFKA_BROKERS"); v != "" {
		config.Ledger.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KEYGATE_KAFKA_TOPIC"); v != "" {
		config.Ledger.Kafka.Topic = v
	}
	if v := os.Getenv("KEYGATE_ADMIN_PASSWORD"); v != "" {
		config.Admin.Password = v
	}
	if v := os.Getenv("KEYGATE_SESSION_SECRET"); v != "" {
		config.Session.Secret = v
	}
	if v := os.Getenv("KEYGATE_MAINTENANCE"); v != "" {
		config.Maintenance.Enabled = v == "true"
	}
}

// Validate checks the configuration after defaults and overrides.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreFile:
	case StoreDatabase:
		if c.Database.Type == "" || c.Database.DSN == "" {
			return fmt.Errorf("database type and dsn must be configured when store.type is %q", StoreDatabase)
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be configured when store.type is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}

	if c.FreeTier.Limit <= 0 {
		return fmt.Errorf("free_tier.limit must be positive")
	}
	if d, err := time.ParseDuration(c.FreeTier.Duration); err != nil || d <= 0 {
		return fmt.Errorf("invalid free_tier.duration %q", c.FreeTier.Duration)
	}
	if d, err := time.ParseDuration(c.Perimeter.IdleTTL); err != nil || d <= 0 {
		return fmt.Errorf("invalid perimeter.idle_ttl %q", c.Perimeter.IdleTTL)
	}

	for _, u := range c.Upstreams {
		if !strings.HasPrefix(u.Prefix, "/") || u.Prefix == "/" {
			return fmt.Errorf("upstream prefix %q must start with / and name a path", u.Prefix)
		}
		if len(u.Targets) == 0 {
			return fmt.Errorf("upstream %s has no targets", u.Prefix)
		}
		for _, exempt := range c.Gate.ExemptPaths {
			if MatchPathPrefix(u.Prefix, exempt) || MatchPathPrefix(exempt, u.Prefix) {
				return fmt.Errorf("upstream prefix %q overlaps exempt path %q", u.Prefix, exempt)
			}
		}
	}
	return nil
}
