// Package config loads gateway configuration from an optional YAML file and
// overlays environment variables. Environment always wins so that deploys can
// tune a single knob without shipping a new file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Dedup      DedupConfig      `yaml:"dedup"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Broker     BrokerConfig     `yaml:"broker"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Batch      BatchConfig      `yaml:"batch"`
	Features   FeatureFlags     `yaml:"features"`
	Auth       AuthConfig       `yaml:"auth"`
	Push       PushConfig       `yaml:"push"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "development" or "production"
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"` // full POSTGRES_URL overrides the parts above
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerURL returns the tcp:// URL paho expects, or "" when MQTT is not
// configured at all.
func (m MQTTConfig) BrokerURL() string {
	if m.Host == "" {
		return ""
	}
	port := m.Port
	if port == "" {
		port = "1883"
	}
	return fmt.Sprintf("tcp://%s:%s", m.Host, port)
}

type RateLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	SensorPerMin int  `yaml:"sensor_per_min"`
	DevicePerMin int  `yaml:"device_per_min"`
	GlobalPerMin int  `yaml:"global_per_min"` // per source IP
}

type DedupConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
}

type DLQConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxLen     int64         `yaml:"max_len"`
	BatchSize  int           `yaml:"batch_size"`
	PollEvery  time.Duration `yaml:"poll_every"`
	MaxRetries int           `yaml:"max_retries"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type BrokerConfig struct {
	MinPublishInterval time.Duration `yaml:"min_publish_interval"`
}

type ResolverConfig struct {
	SensorMapTTL time.Duration `yaml:"sensor_map_ttl"`
}

type BatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
}

type FeatureFlags struct {
	MQTTUniversal    bool `yaml:"mqtt_universal"`
	WebSocketEnabled bool `yaml:"websocket_enabled"`
	CSVEnabled       bool `yaml:"csv_enabled"`
	DeviceAuth       bool `yaml:"device_auth"`
	LegacyAPIKey     bool `yaml:"legacy_api_key"`
}

type AuthConfig struct {
	IngestAPIKey   string `yaml:"ingest_api_key"`   // legacy shared key, behind LegacyAPIKey flag
	InternalAPIKey string `yaml:"internal_api_key"` // for sibling-service calls
}

type PushConfig struct {
	BackendURL string `yaml:"backend_url"`
}

// Defaults returns the configuration the gateway boots with when neither the
// file nor the environment says otherwise.
func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{Host: "localhost", Port: "5432", User: "ingest", Name: "ingest"},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			SensorPerMin: 60,
			DevicePerMin: 300,
			GlobalPerMin: 1000,
		},
		Dedup: DedupConfig{Enabled: true, TTL: 5 * time.Minute},
		DLQ: DLQConfig{
			Enabled:    true,
			MaxLen:     10000,
			BatchSize:  10,
			PollEvery:  60 * time.Second,
			MaxRetries: 3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		Broker:   BrokerConfig{MinPublishInterval: time.Second},
		Resolver: ResolverConfig{SensorMapTTL: 300 * time.Second},
		Batch: BatchConfig{
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  500,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Server.Env, "APP_ENV")

	envStr(&c.Database.Host, "DB_HOST")
	envStr(&c.Database.Port, "DB_PORT")
	envStr(&c.Database.User, "DB_USER")
	envStr(&c.Database.Password, "DB_PASSWORD")
	envStr(&c.Database.Name, "DB_NAME")
	envStr(&c.Database.URL, "POSTGRES_URL")

	envStr(&c.Redis.URL, "REDIS_URL")

	envStr(&c.MQTT.Host, "MQTT_BROKER_HOST")
	envStr(&c.MQTT.Port, "MQTT_BROKER_PORT")
	envStr(&c.MQTT.Username, "MQTT_USERNAME")
	envStr(&c.MQTT.Password, "MQTT_PASSWORD")

	envBool(&c.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	envInt(&c.RateLimit.SensorPerMin, "RATE_LIMIT_SENSOR_PER_MIN")
	envInt(&c.RateLimit.DevicePerMin, "RATE_LIMIT_DEVICE_PER_MIN")
	envInt(&c.RateLimit.GlobalPerMin, "RATE_LIMIT_GLOBAL_PER_MIN")

	envBool(&c.Dedup.Enabled, "DEDUP_ENABLED")
	envSeconds(&c.Dedup.TTL, "DEDUP_TTL_SECONDS")

	envBool(&c.DLQ.Enabled, "DLQ_ENABLED")
	envInt64(&c.DLQ.MaxLen, "DLQ_MAX_LEN")

	envInt(&c.Breaker.FailureThreshold, "CB_FAILURE_THRESHOLD")
	envSeconds(&c.Breaker.RecoveryTimeout, "CB_RECOVERY_TIMEOUT")

	envSeconds(&c.Broker.MinPublishInterval, "ML_PUBLISH_MIN_INTERVAL_SECONDS")
	envSeconds(&c.Resolver.SensorMapTTL, "SENSOR_MAP_TTL_SECONDS")

	envBool(&c.Features.MQTTUniversal, "FF_MQTT_UNIVERSAL")
	envBool(&c.Features.WebSocketEnabled, "FF_WEBSOCKET_ENABLED")
	envBool(&c.Features.CSVEnabled, "FF_CSV_ENABLED")
	envBool(&c.Features.DeviceAuth, "DEVICE_AUTH_ENABLED")
	envBool(&c.Features.LegacyAPIKey, "LEGACY_API_KEY_ALLOWED")

	envStr(&c.Auth.IngestAPIKey, "INGEST_API_KEY")
	envStr(&c.Auth.InternalAPIKey, "INTERNAL_API_KEY")
	envStr(&c.Push.BackendURL, "BACKEND_URL")
}

// validate fails fast in production mode so that a misconfigured deploy dies
// at startup rather than on the first request.
func (c *Config) validate() error {
	if !c.IsProduction() {
		return nil
	}
	var missing []string
	if c.Database.DSN() == "" || (c.Database.URL == "" && c.Database.Password == "") {
		missing = append(missing, "DB_PASSWORD or POSTGRES_URL")
	}
	if c.Features.LegacyAPIKey && c.Auth.IngestAPIKey == "" {
		missing = append(missing, "INGEST_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production config incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

func envBool(dst *bool, key string) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	}
}
