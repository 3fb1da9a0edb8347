package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Crawl    CrawlConfig
	Browser  BrowserConfig
	Proxy    ProxyConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type CrawlConfig struct {
	MaxPages        int
	CaptchaAttempts int
	LoadTimeout     time.Duration
	LoadRetries     int
	RateLimitMin    time.Duration
	RateLimitMax    time.Duration
	TaskAttempts    int
	Workers         int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
}

type ProxyConfig struct {
	ProxiesFile string
	BlockedFile string
}

// CacheConfig selects the offset cache backend: memory, file, postgres or
// redis.
type CacheConfig struct {
	Backend   string
	FilePath  string
	RedisAddr string
	RedisDB   int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Crawl: CrawlConfig{
			MaxPages:        getIntOrDefault("CRAWL_MAX_PAGES", 0),
			CaptchaAttempts: getIntOrDefault("CRAWL_CAPTCHA_ATTEMPTS", 30),
			LoadTimeout:     getDurationOrDefault("CRAWL_LOAD_TIMEOUT", 180*time.Second),
			LoadRetries:     getIntOrDefault("CRAWL_LOAD_RETRIES", 5),
			RateLimitMin:    getDurationOrDefault("CRAWL_RATE_LIMIT_MIN", 2*time.Second),
			RateLimitMax:    getDurationOrDefault("CRAWL_RATE_LIMIT_MAX", 6*time.Second),
			TaskAttempts:    getIntOrDefault("CRAWL_TASK_ATTEMPTS", 3),
			Workers:         getIntOrDefault("CRAWL_WORKERS", 1),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Moscow"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "ru-RU"),
		},
		Proxy: ProxyConfig{
			ProxiesFile: getEnvOrDefault("PROXY_LIST_FILE", "proxies.txt"),
			BlockedFile: getEnvOrDefault("PROXY_BLOCKED_FILE", "blocked_proxies.txt"),
		},
		Cache: CacheConfig{
			Backend:   getEnvOrDefault("OFFSET_CACHE_BACKEND", "file"),
			FilePath:  getEnvOrDefault("OFFSET_CACHE_FILE", "geetest_offsets.json"),
			RedisAddr: getEnvOrDefault("OFFSET_CACHE_REDIS_ADDR", "localhost:6379"),
			RedisDB:   getIntOrDefault("OFFSET_CACHE_REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "avito_crawler"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawl.CaptchaAttempts < 1 {
		return fmt.Errorf("CRAWL_CAPTCHA_ATTEMPTS must be at least 1")
	}
	if c.Crawl.LoadRetries < 1 {
		return fmt.Errorf("CRAWL_LOAD_RETRIES must be at least 1")
	}
	if c.Crawl.Workers < 1 {
		return fmt.Errorf("CRAWL_WORKERS must be at least 1")
	}
	if c.Crawl.RateLimitMin > c.Crawl.RateLimitMax {
		return fmt.Errorf("CRAWL_RATE_LIMIT_MIN cannot be greater than CRAWL_RATE_LIMIT_MAX")
	}
	switch c.Cache.Backend {
	case "memory", "file", "postgres", "redis":
	default:
		return fmt.Errorf("unknown OFFSET_CACHE_BACKEND %q", c.Cache.Backend)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
