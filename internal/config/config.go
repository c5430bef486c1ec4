package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr          string
	AdminUser     string
	AdminPassword string
	SessionKey    []byte
	CSRFKey       []byte
	SecureCookies bool
	DBPath        string

	BatchSize      int
	Workers        int
	BatchPause     time.Duration
	RetryDelay     time.Duration
	VerifyInterval time.Duration
	SweepInterval  time.Duration
	ScanTimeout    time.Duration

	LogLevel  string
	LogPretty bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	ClassifierFile string
}

// Load 从环境变量构建配置，并提供合理的默认值。
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("MODELPROBE_HTTP_ADDR", ":8080"),
		AdminUser:     getenv("MODELPROBE_ADMIN_USER", "admin"),
		AdminPassword: getenv("MODELPROBE_ADMIN_PASS", "admin123"),
		SessionKey:    []byte(getenv("MODELPROBE_SESSION_KEY", "0123456789abcdef0123456789abcdef")),
		CSRFKey:       []byte(getenv("MODELPROBE_CSRF_KEY", "abcdef0123456789abcdef0123456789")),
		SecureCookies: boolEnv("MODELPROBE_SECURE_COOKIES", false),
		DBPath:        getenv("MODELPROBE_DB_PATH", "data/modelprobe.db"),

		BatchSize:      intEnv("MODELPROBE_BATCH_SIZE", 100),
		Workers:        intEnv("MODELPROBE_WORKERS", 5),
		BatchPause:     durationEnv("MODELPROBE_BATCH_PAUSE", 2*time.Second),
		RetryDelay:     durationEnv("MODELPROBE_RETRY_DELAY", 3*time.Second),
		VerifyInterval: durationEnv("MODELPROBE_VERIFY_INTERVAL", 6*time.Hour),
		SweepInterval:  durationEnv("MODELPROBE_SWEEP_INTERVAL", 0),
		ScanTimeout:    durationEnv("MODELPROBE_SCAN_TIMEOUT", 2*time.Second),

		LogLevel:  getenv("MODELPROBE_LOG_LEVEL", "info"),
		LogPretty: boolEnv("MODELPROBE_LOG_PRETTY", false),

		RedisAddr:     getenv("MODELPROBE_REDIS_ADDR", ""),
		RedisPassword: getenv("MODELPROBE_REDIS_PASSWORD", ""),
		RedisDB:       intEnv("MODELPROBE_REDIS_DB", 0),
		CacheTTL:      durationEnv("MODELPROBE_CACHE_TTL", 5*time.Minute),

		ClassifierFile: getenv("MODELPROBE_CLASSIFIER_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值是否可用。
func (c *Config) Validate() error {
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	if c.AdminUser == "" || c.AdminPassword == "" {
		return fmt.Errorf("admin credentials must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.BatchPause < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("batch pause and retry delay must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
