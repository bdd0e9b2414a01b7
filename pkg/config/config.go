package config

import (
	"os"
	"strconv"
	"time"
)

// Config 引擎配置
type Config struct {
	App     AppConfig     `yaml:"app"`
	Backend BackendConfig `yaml:"backend"`
	Redis   RedisConfig   `yaml:"redis"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Receipt ReceiptConfig `yaml:"receipt"`
	Channel ChannelConfig `yaml:"channel"`
	Cache   CacheConfig   `yaml:"cache"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id"`
	LogLevel  string `yaml:"log_level"`
}

// BackendConfig 后端服务配置
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	WSURL   string        `yaml:"ws_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OutboxConfig 发件队列配置
type OutboxConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"` // 合并窗口
	MaxBatch       int           `yaml:"max_batch"`       // 单次请求最大条数
	MaxRetries     int           `yaml:"max_retries"`     // 单条消息最大重试次数
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// ReceiptConfig 回执队列配置
type ReceiptConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"` // 合并窗口
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// ChannelConfig 推送通道配置
type ChannelConfig struct {
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	CatchUpLimit int           `yaml:"catch_up_limit"` // 补偿拉取的行数上限
}

// CacheConfig 本地缓存配置
type CacheConfig struct {
	Namespace string `yaml:"namespace"`
	Version   int    `yaml:"version"` // 版本号提升会使全部历史缓存失效
}

// LoadConfig 从环境变量加载配置
func LoadConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:      getEnvOrDefault("APP_NAME", "pinsync"),
			Version:   getEnvOrDefault("APP_VERSION", "1.0.0"),
			UserID:    getEnvOrDefault("PINSYNC_USER_ID", ""),
			SessionID: getEnvOrDefault("PINSYNC_SESSION_ID", ""),
			LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Backend: BackendConfig{
			BaseURL: getEnvOrDefault("BACKEND_BASE_URL", "http://localhost:21010/api/v1"),
			WSURL:   getEnvOrDefault("BACKEND_WS_URL", "ws://localhost:21010/api/v1/feed"),
			Timeout: getEnvDurationOrDefault("BACKEND_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
		Outbox: OutboxConfig{
			DebounceWindow: getEnvDurationOrDefault("OUTBOX_DEBOUNCE_WINDOW", 250*time.Millisecond),
			MaxBatch:       getEnvIntOrDefault("OUTBOX_MAX_BATCH", 20),
			MaxRetries:     getEnvIntOrDefault("OUTBOX_MAX_RETRIES", 5),
			BackoffBase:    getEnvDurationOrDefault("OUTBOX_BACKOFF_BASE", time.Second),
			BackoffMax:     getEnvDurationOrDefault("OUTBOX_BACKOFF_MAX", 30*time.Second),
		},
		Receipt: ReceiptConfig{
			DebounceWindow: getEnvDurationOrDefault("RECEIPT_DEBOUNCE_WINDOW", 500*time.Millisecond),
			BackoffBase:    getEnvDurationOrDefault("RECEIPT_BACKOFF_BASE", time.Second),
			BackoffMax:     getEnvDurationOrDefault("RECEIPT_BACKOFF_MAX", 30*time.Second),
		},
		Channel: ChannelConfig{
			BackoffBase:  getEnvDurationOrDefault("CHANNEL_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvDurationOrDefault("CHANNEL_BACKOFF_MAX", 60*time.Second),
			CatchUpLimit: getEnvIntOrDefault("CHANNEL_CATCH_UP_LIMIT", 50),
		},
		Cache: CacheConfig{
			Namespace: getEnvOrDefault("CACHE_NAMESPACE", "pinsync"),
			Version:   getEnvIntOrDefault("CACHE_VERSION", 1),
		},
	}
}

// getEnvOrDefault 获取环境变量或默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault 获取环境变量时长或默认值
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
