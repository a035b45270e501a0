package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	Elasticsearch ElasticsearchConfig
	CORS          CORSConfig
	Log           LogConfig
	Exports       ExportsConfig
	Progress      ProgressConfig
	License       LicenseConfig
	Archive       ArchiveConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ElasticsearchConfig points at the log store and describes the indexed log document shape.
type ElasticsearchConfig struct {
	Addresses       []string
	Username        string
	Password        string
	Index           string
	TimestampField  string
	MenuField       string
	SearchFields    []string
	TiebreakerField string
	Timezone        string
	RequestTimeout  time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ExportsConfig configures asynchronous bulk exports.
type ExportsConfig struct {
	StorageDir        string
	ChunkRows         int
	WorkerConcurrency int
	QueueBuffer       int
	Retries           int
	RetryFactor       float64
	RetryMinTimeout   time.Duration
	RetryMaxTimeout   time.Duration
	ResultTTL         time.Duration
	CleanupInterval   time.Duration
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	RequireSignedURL  bool
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	ReplaySize       int
	ReplayTTL        time.Duration
	SubscriberBuffer int
	Heartbeat        time.Duration
}

// LicenseConfig controls the license gate and its background monitor.
type LicenseConfig struct {
	CheckInterval time.Duration
	WarnDays      int
	CacheTTL      time.Duration
}

// ArchiveConfig enables mirroring of finished chunks to S3.
type ArchiveConfig struct {
	S3Enabled  bool
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	AccessKeyID     string
	SecretAccessKey string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Elasticsearch = ElasticsearchConfig{
		Addresses:       splitAndTrim(v.GetString("ES_ADDRESSES")),
		Username:        v.GetString("ES_USERNAME"),
		Password:        v.GetString("ES_PASSWORD"),
		Index:           v.GetString("ES_INDEX"),
		TimestampField:  v.GetString("ES_TIMESTAMP_FIELD"),
		MenuField:       v.GetString("ES_MENU_FIELD"),
		SearchFields:    splitAndTrim(v.GetString("ES_SEARCH_FIELDS")),
		TiebreakerField: v.GetString("ES_TIEBREAKER_FIELD"),
		Timezone:        v.GetString("ES_TIMEZONE"),
		RequestTimeout:  parseDuration(v.GetString("ES_REQUEST_TIMEOUT"), 30*time.Second),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Exports = ExportsConfig{
		StorageDir:        v.GetString("EXPORTS_STORAGE_DIR"),
		ChunkRows:         v.GetInt("EXPORTS_CHUNK_ROWS"),
		WorkerConcurrency: v.GetInt("EXPORTS_WORKER_CONCURRENCY"),
		QueueBuffer:       v.GetInt("EXPORTS_QUEUE_BUFFER"),
		Retries:           v.GetInt("EXPORTS_RETRIES"),
		RetryFactor:       v.GetFloat64("EXPORTS_RETRY_FACTOR"),
		RetryMinTimeout:   parseDuration(v.GetString("EXPORTS_RETRY_MIN_TIMEOUT"), time.Second),
		RetryMaxTimeout:   parseDuration(v.GetString("EXPORTS_RETRY_MAX_TIMEOUT"), 30*time.Second),
		ResultTTL:         parseDuration(v.GetString("EXPORTS_RESULT_TTL"), 24*time.Hour),
		CleanupInterval:   parseDuration(v.GetString("EXPORTS_CLEANUP_INTERVAL"), time.Hour),
		SignedURLSecret:   v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		RequireSignedURL:  v.GetBool("EXPORTS_REQUIRE_SIGNED_URL"),
	}

	cfg.Progress = ProgressConfig{
		ReplaySize:       v.GetInt("PROGRESS_REPLAY_SIZE"),
		ReplayTTL:        parseDuration(v.GetString("PROGRESS_REPLAY_TTL"), time.Hour),
		SubscriberBuffer: v.GetInt("PROGRESS_SUBSCRIBER_BUFFER"),
		Heartbeat:        parseDuration(v.GetString("PROGRESS_HEARTBEAT"), 15*time.Second),
	}

	cfg.License = LicenseConfig{
		CheckInterval: parseDuration(v.GetString("LICENSE_CHECK_INTERVAL"), 5*time.Minute),
		WarnDays:      v.GetInt("LICENSE_WARN_DAYS"),
		CacheTTL:      parseDuration(v.GetString("LICENSE_CACHE_TTL"), time.Minute),
	}

	cfg.Archive = ArchiveConfig{
		S3Enabled:  v.GetBool("ARCHIVE_S3_ENABLED"),
		S3Bucket:   v.GetString("ARCHIVE_S3_BUCKET"),
		S3Region:   v.GetString("ARCHIVE_S3_REGION"),
		S3Endpoint: v.GetString("ARCHIVE_S3_ENDPOINT"),
		S3Prefix:   v.GetString("ARCHIVE_S3_PREFIX"),

		AccessKeyID:     v.GetString("ARCHIVE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: v.GetString("ARCHIVE_S3_SECRET_ACCESS_KEY"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "logexport")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ES_ADDRESSES", "http://localhost:9200")
	v.SetDefault("ES_USERNAME", "")
	v.SetDefault("ES_PASSWORD", "")
	v.SetDefault("ES_INDEX", "logs-*")
	v.SetDefault("ES_TIMESTAMP_FIELD", "@timestamp")
	v.SetDefault("ES_MENU_FIELD", "menu")
	v.SetDefault("ES_SEARCH_FIELDS", "message,user,ip,action")
	v.SetDefault("ES_TIEBREAKER_FIELD", "log_id")
	v.SetDefault("ES_TIMEZONE", "UTC")
	v.SetDefault("ES_REQUEST_TIMEOUT", "30s")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_CHUNK_ROWS", 100000)
	v.SetDefault("EXPORTS_WORKER_CONCURRENCY", 2)
	v.SetDefault("EXPORTS_QUEUE_BUFFER", 32)
	v.SetDefault("EXPORTS_RETRIES", 3)
	v.SetDefault("EXPORTS_RETRY_FACTOR", 2)
	v.SetDefault("EXPORTS_RETRY_MIN_TIMEOUT", "1s")
	v.SetDefault("EXPORTS_RETRY_MAX_TIMEOUT", "30s")
	v.SetDefault("EXPORTS_RESULT_TTL", "24h")
	v.SetDefault("EXPORTS_CLEANUP_INTERVAL", "1h")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("EXPORTS_REQUIRE_SIGNED_URL", false)

	v.SetDefault("PROGRESS_REPLAY_SIZE", 4096)
	v.SetDefault("PROGRESS_REPLAY_TTL", "1h")
	v.SetDefault("PROGRESS_SUBSCRIBER_BUFFER", 256)
	v.SetDefault("PROGRESS_HEARTBEAT", "15s")

	v.SetDefault("LICENSE_CHECK_INTERVAL", "5m")
	v.SetDefault("LICENSE_WARN_DAYS", 7)
	v.SetDefault("LICENSE_CACHE_TTL", "1m")

	v.SetDefault("ARCHIVE_S3_ENABLED", false)
	v.SetDefault("ARCHIVE_S3_BUCKET", "")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("ARCHIVE_S3_ENDPOINT", "")
	v.SetDefault("ARCHIVE_S3_PREFIX", "exports")
	v.SetDefault("ARCHIVE_S3_ACCESS_KEY_ID", "")
	v.SetDefault("ARCHIVE_S3_SECRET_ACCESS_KEY", "")
}

// isMissingFile treats an absent .env like viper's not-found error. SetConfigFile
// bypasses the search path, so viper reports the raw fs error instead.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
