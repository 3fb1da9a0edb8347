package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30, cfg.Crawl.CaptchaAttempts)
	assert.Equal(t, 180*time.Second, cfg.Crawl.LoadTimeout)
	assert.Equal(t, "ru-RU", cfg.Browser.Locale)
	assert.Equal(t, "file", cfg.Cache.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CRAWL_MAX_PAGES", "25")
	t.Setenv("CRAWL_LOAD_TIMEOUT", "90s")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("OFFSET_CACHE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Crawl.MaxPages)
	assert.Equal(t, 90*time.Second, cfg.Crawl.LoadTimeout)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Crawl.CaptchaAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg.Crawl.CaptchaAttempts = 1
	cfg.Cache.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg.Cache.Backend = "file"
	cfg.Crawl.RateLimitMin = 10 * time.Second
	cfg.Crawl.RateLimitMax = time.Second
	assert.Error(t, cfg.Validate())
}
