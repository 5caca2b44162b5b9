// Package config 配置
package config

import (
	"strconv"
	"time"

	envconfig "github.com/filesaga/platform/pkg/config"
	redisstream "github.com/filesaga/platform/pkg/redis"
	"github.com/filesaga/platform/pkg/retry"
	"github.com/filesaga/platform/pkg/tracing"
	"github.com/filesaga/platform/pkg/validate"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverS3       = "s3"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL
	StoreDriver string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisTLS      redisstream.TLSOptions

	// Blob
	BlobDriver   string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3PresignTTL time.Duration

	// Streams
	ConsumerGroup   string
	ConsumerName    string
	StreamMaxLen    int64
	NotifyChannel   string
	ConsumerOptions ConsumerConfig

	// Upload
	MaxUploadBytes   int64
	AllowedMimeTypes []string
	Step             StepConfig

	// Recovery
	Recovery RecoveryConfig

	Tracing tracing.Config
}

// ConsumerConfig Redis Stream 消费参数
type ConsumerConfig struct {
	BatchSize    int
	BlockTime    time.Duration
	ClaimMinIdle time.Duration
	MaxRetries   int
}

// StepConfig 每次适配器调用的超时与重试
type StepConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

// RecoveryConfig 巡检配置；Cron 为空时不在进程内调度
type RecoveryConfig struct {
	Cron       string
	StaleAfter time.Duration
	LockTTL    time.Duration
	LockKey    string
	Limit      int
}

// Load 加载配置
func Load() *Config {
	serviceName := envconfig.GetEnv("SERVICE_NAME", "filesaga-upload")
	return &Config{
		ServiceName: serviceName,
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		StoreDriver: envconfig.GetEnv("STORE_DRIVER", DriverPostgres),
		DBHost:      envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:      envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:      envconfig.GetEnv("DB_USER", "filesaga"),
		DBPassword:  envconfig.GetEnv("DB_PASSWORD", "filesaga"),
		DBName:      envconfig.GetEnv("DB_NAME", "filesaga"),
		DBSSLMode:   envconfig.GetEnv("DB_SSL_MODE", "disable"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisTLS: redisstream.TLSOptions{
			Enabled:    envconfig.GetEnvBool("REDIS_TLS_ENABLED", false),
			CACertPath: envconfig.GetEnv("REDIS_TLS_CA_CERT", ""),
			CertPath:   envconfig.GetEnv("REDIS_TLS_CERT", ""),
			KeyPath:    envconfig.GetEnv("REDIS_TLS_KEY", ""),
			ServerName: envconfig.GetEnv("REDIS_TLS_SERVER_NAME", ""),
		},

		BlobDriver:   envconfig.GetEnv("BLOB_DRIVER", DriverS3),
		S3Bucket:     envconfig.GetEnv("S3_BUCKET", "filesaga-uploads"),
		S3Region:     envconfig.GetEnv("S3_REGION", "us-east-1"),
		S3Endpoint:   envconfig.GetEnv("S3_ENDPOINT", ""),
		S3PresignTTL: envconfig.GetEnvDuration("S3_PRESIGN_TTL", time.Hour),

		ConsumerGroup: envconfig.GetEnv("EVENT_CONSUMER_GROUP", "file-upload-saga"),
		ConsumerName:  envconfig.GetEnv("EVENT_CONSUMER_NAME", "upload-1"),
		StreamMaxLen:  envconfig.GetEnvInt64("EVENT_STREAM_MAXLEN", 100000),
		NotifyChannel: envconfig.GetEnv("NOTIFY_CHANNEL", "notify:user:{userId}"),
		ConsumerOptions: ConsumerConfig{
			BatchSize:    envconfig.GetEnvInt("EVENT_BATCH_SIZE", 10),
			BlockTime:    envconfig.GetEnvDuration("EVENT_BLOCK_TIME", 5*time.Second),
			ClaimMinIdle: envconfig.GetEnvDuration("EVENT_CLAIM_MIN_IDLE", 30*time.Second),
			MaxRetries:   envconfig.GetEnvInt("EVENT_MAX_RETRIES", 5),
		},

		MaxUploadBytes:   envconfig.GetEnvInt64("MAX_UPLOAD_BYTES", 10<<20),
		AllowedMimeTypes: envconfig.GetEnvSlice("ALLOWED_MIME_TYPES", validate.DefaultAllowedMimeTypes),
		Step: StepConfig{
			Timeout:      envconfig.GetEnvDuration("STEP_TIMEOUT", 30*time.Second),
			MaxAttempts:  envconfig.GetEnvInt("STEP_MAX_ATTEMPTS", 3),
			InitialDelay: envconfig.GetEnvDuration("STEP_RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:     envconfig.GetEnvDuration("STEP_RETRY_MAX_DELAY", 5*time.Second),
			Jitter:       envconfig.GetEnvFloat64("STEP_RETRY_JITTER", 0.2),
		},

		Recovery: RecoveryConfig{
			Cron:       envconfig.GetEnv("RECOVERY_CRON", ""),
			StaleAfter: envconfig.GetEnvDuration("RECOVERY_STALE_AFTER", 5*time.Minute),
			LockTTL:    envconfig.GetEnvDuration("RECOVERY_LOCK_TTL", 2*time.Minute),
			LockKey:    envconfig.GetEnv("RECOVERY_LOCK_KEY", "filesaga:recovery:lock"),
			Limit:      envconfig.GetEnvInt("RECOVERY_LIMIT", 500),
		},

		Tracing: tracing.Config{
			ServiceName: serviceName,
			Endpoint:    envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			Enabled:     envconfig.GetEnvBool("TRACING_ENABLED", false),
			SampleRate:  envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
		},
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + sslMode
}

// StepPolicy 步骤调用策略
func (c *Config) StepPolicy() *retry.Policy {
	p := retry.Default()
	if c.Step.MaxAttempts > 0 {
		p.MaxAttempts = c.Step.MaxAttempts
	}
	if c.Step.Timeout > 0 {
		p.Timeout = c.Step.Timeout
	}
	if c.Step.InitialDelay > 0 {
		p.InitialDelay = c.Step.InitialDelay
	}
	if c.Step.MaxDelay > 0 {
		p.MaxDelay = c.Step.MaxDelay
	}
	if c.Step.Jitter >= 0 && c.Step.Jitter <= 1 {
		p.Jitter = c.Step.Jitter
	}
	return p
}

// RedisConfig 基于默认连接池参数
func (c *Config) RedisConfig() *redisstream.Config {
	rc := redisstream.DefaultConfig
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	rc.TLS = c.RedisTLS
	if c.ConsumerOptions.BlockTime > 0 && rc.ReadTimeout <= c.ConsumerOptions.BlockTime {
		rc.ReadTimeout = c.ConsumerOptions.BlockTime + 5*time.Second
	}
	return &rc
}

// StreamOptions 消费者选项，未设置的字段取默认值
func (c *Config) StreamOptions() *redisstream.ConsumerOptions {
	o := redisstream.DefaultConsumerOptions
	if c.ConsumerOptions.BatchSize > 0 {
		o.BatchSize = c.ConsumerOptions.BatchSize
	}
	if c.ConsumerOptions.BlockTime > 0 {
		o.BlockTime = c.ConsumerOptions.BlockTime
	}
	if c.ConsumerOptions.ClaimMinIdle > 0 {
		o.ClaimMinIdle = c.ConsumerOptions.ClaimMinIdle
	}
	if c.ConsumerOptions.MaxRetries >= 0 {
		o.MaxRetries = c.ConsumerOptions.MaxRetries
	}
	return &o
}
