package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// QueueDriver はジョブキューの実装種別を表す。
type QueueDriver string

const (
	// QueueDriverMemory はプロセス内のgochannelを使用する。serveプロセス内でワーカーも起動する。
	QueueDriverMemory QueueDriver = "memory"
	// QueueDriverNATS はNATS JetStreamを使用する。workerプロセスを分離できる。
	QueueDriverNATS QueueDriver = "nats"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	JWTSecret    string
	JWTExpiresIn time.Duration

	// Queue
	QueueDriver          QueueDriver
	NATSURL              string
	QueueTopic           string
	QueueDeadLetterTopic string
	NATSMaxDeliver       int
	NATSAckWait          time.Duration

	// Worker
	WorkerConcurrency          int
	WorkerLockTimeout          time.Duration
	WorkerMaxRetries           int
	WorkerRetryInitialInterval time.Duration
	WorkerRetryMaxInterval     time.Duration

	// Requeue / Audit
	RequeueInterval    time.Duration
	RequeueGrace       time.Duration
	RequeueBatchSize   int
	RequeueMaxAttempts int
	AuditInterval      time.Duration

	// Cache
	RedisURL               string
	RecommendationCacheTTL time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitSubmit  int

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.JWTExpiresIn = getEnvDuration("JWT_EXPIRES_IN", 24*time.Hour)

	driver := QueueDriver(strings.ToLower(getEnvString("QUEUE_DRIVER", string(QueueDriverMemory))))
	switch driver {
	case QueueDriverMemory, QueueDriverNATS:
		cfg.QueueDriver = driver
	default:
		return nil, fmt.Errorf("unsupported QUEUE_DRIVER %q (want memory or nats)", driver)
	}
	cfg.NATSURL = getEnvString("NATS_URL", "nats://localhost:4222")
	cfg.QueueTopic = getEnvString("QUEUE_TOPIC", "reading_interval_jobs")
	cfg.QueueDeadLetterTopic = getEnvString("QUEUE_DEAD_LETTER_TOPIC", "reading_interval_jobs_dead_letter")
	cfg.NATSMaxDeliver = getEnvInt("NATS_MAX_DELIVER", 10)
	cfg.NATSAckWait = getEnvDuration("NATS_ACK_WAIT", 30*time.Second)

	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 10)
	cfg.WorkerLockTimeout = getEnvDuration("WORKER_LOCK_TIMEOUT", 5*time.Second)
	cfg.WorkerMaxRetries = getEnvInt("WORKER_MAX_RETRIES", 3)
	cfg.WorkerRetryInitialInterval = getEnvDuration("WORKER_RETRY_INITIAL_INTERVAL", 200*time.Millisecond)
	cfg.WorkerRetryMaxInterval = getEnvDuration("WORKER_RETRY_MAX_INTERVAL", 5*time.Second)

	cfg.RequeueInterval = getEnvDuration("REQUEUE_INTERVAL", time.Minute)
	cfg.RequeueGrace = getEnvDuration("REQUEUE_GRACE", 2*time.Minute)
	cfg.RequeueBatchSize = getEnvInt("REQUEUE_BATCH_SIZE", 100)
	cfg.RequeueMaxAttempts = getEnvInt("REQUEUE_MAX_ATTEMPTS", 10)
	cfg.AuditInterval = getEnvDuration("AUDIT_INTERVAL", time.Hour)

	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RecommendationCacheTTL = getEnvDuration("RECOMMENDATION_CACHE_TTL", 30*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", 60)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
