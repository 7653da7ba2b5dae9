package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/joho/godotenv"
)

const (
	StorageMemory = "memory"
	StorageRemote = "remote"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env         string
	HTTPAddr    string
	LogFile     string
	LogLevel    slog.Level
	StorageMode string
	CORSOrigins []string

	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaUsername    string
	ScyllaPassword    string
	ScyllaConsistency gocql.Consistency
	ScyllaTimeout     time.Duration
	ReplicationFactor int

	MongoURI string
	MongoDB  string

	S3Endpoint       string
	S3PublicEndpoint string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3UseSSL         bool

	KafkaBrokers     []string
	KafkaTopicPrefix string

	MessagePollInterval time.Duration
	ThreadPollInterval  time.Duration
	BackendCallTimeout  time.Duration
	AvatarPathTTL       time.Duration
	AvatarUserTTL       time.Duration
}

// LoadDotEnv loads variables from the given files, or ./.env when none are
// given. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
		StorageMode:      strings.ToLower(getEnv("STORAGE_MODE", StorageMemory)),
		CORSOrigins:      splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		ScyllaHosts:      splitAndTrim(getEnv("SCYLLA_HOSTS", "localhost")),
		ScyllaKeyspace:   strings.TrimSpace(getEnv("SCYLLA_KEYSPACE", "marketchat")),
		ScyllaUsername:   strings.TrimSpace(os.Getenv("SCYLLA_USERNAME")),
		ScyllaPassword:   strings.TrimSpace(os.Getenv("SCYLLA_PASSWORD")),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "marketplace"),
		S3Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:9000"),
		S3PublicEndpoint: getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         getEnv("S3_BUCKET", "avatars"),
		KafkaBrokers:     splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		ReplicationFactor: parseIntWithDefault(
			strings.TrimSpace(os.Getenv("SCYLLA_REPLICATION_FACTOR")), 1),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"SCYLLA_TIMEOUT", 5 * time.Second, &cfg.ScyllaTimeout},
		{"MESSAGE_POLL_INTERVAL", 3 * time.Second, &cfg.MessagePollInterval},
		{"THREAD_POLL_INTERVAL", 15 * time.Second, &cfg.ThreadPollInterval},
		{"BACKEND_CALL_TIMEOUT", 10 * time.Second, &cfg.BackendCallTimeout},
		{"AVATAR_PATH_TTL", time.Hour, &cfg.AvatarPathTTL},
		{"AVATAR_USER_TTL", 15 * time.Minute, &cfg.AvatarUserTTL},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	consistency, err := parseConsistency(getEnv("SCYLLA_CONSISTENCY", "quorum"))
	if err != nil {
		return Config{}, err
	}
	cfg.ScyllaConsistency = consistency

	useSSL, err := parseBoolEnv("S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.S3UseSSL = useSSL
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}

	switch cfg.StorageMode {
	case StorageMemory:
	case StorageRemote:
		if cfg.MongoURI == "" {
			return Config{}, errors.New("MONGO_URI is required in remote storage mode")
		}
		if cfg.ScyllaKeyspace == "" {
			return Config{}, errors.New("SCYLLA_KEYSPACE is required")
		}
		if len(cfg.ScyllaHosts) == 0 {
			return Config{}, errors.New("SCYLLA_HOSTS is required")
		}
	default:
		return Config{}, fmt.Errorf("unsupported STORAGE_MODE: %s", cfg.StorageMode)
	}
	return cfg, nil
}

// Dev reports whether the environment wants human-readable output.
func (c Config) Dev() bool {
	return c.Env == "dev" || c.Env == "local"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v == 0 {
		return def
	}
	return v
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}
