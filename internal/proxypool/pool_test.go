package proxypool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

func writePool(t *testing.T, proxies string) *Pool {
	t.Helper()
	dir := t.TempDir()
	proxiesFile := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(proxiesFile, []byte(proxies), 0o644))

	pool, err := New(proxiesFile, filepath.Join(dir, "blocked.txt"))
	require.NoError(t, err)
	return pool
}

func TestPoolRoundRobin(t *testing.T) {
	pool := writePool(t, "10.0.0.1:8080\n10.0.0.2:8080\n")

	first, ok := pool.Acquire()
	require.True(t, ok)
	second, ok := pool.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, first.Address, second.Address)

	// Both in use.
	_, ok = pool.Acquire()
	assert.False(t, ok)
	assert.True(t, pool.AllBlocked())

	pool.Release(first.Address)
	third, ok := pool.Acquire()
	require.True(t, ok)
	assert.Equal(t, first.Address, third.Address)
}

func TestPoolParsesCredentialFormats(t *testing.T) {
	pool := writePool(t, "user:secret@10.0.0.1:8080\n10.0.0.2:8080:login:pw:with:colons\n10.0.0.3:8080\n")

	endpoints := pool.Endpoints()
	require.Len(t, endpoints, 3)

	assert.Equal(t, "10.0.0.1:8080", endpoints[0].Address)
	assert.Equal(t, "user", endpoints[0].Username)
	assert.Equal(t, "secret", endpoints[0].Password)

	assert.Equal(t, "10.0.0.2:8080", endpoints[1].Address)
	assert.Equal(t, "login", endpoints[1].Username)
	assert.Equal(t, "pw:with:colons", endpoints[1].Password)

	assert.Empty(t, endpoints[2].Username)
}

func TestPoolMarkBlockedPersists(t *testing.T) {
	pool := writePool(t, "10.0.0.1:8080\n10.0.0.2:8080\n")

	ep, ok := pool.Acquire()
	require.True(t, ok)
	require.NoError(t, pool.MarkBlocked(ep.Address, "proxy_block_403_detector"))

	// The blocked endpoint never comes back.
	next, ok := pool.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, ep.Address, next.Address)
	pool.Release(next.Address)
	again, ok := pool.Acquire()
	require.True(t, ok)
	assert.Equal(t, next.Address, again.Address)

	// Reload sees the blacklist file written by MarkBlocked.
	reloaded, err := New(pool.proxiesFile, pool.blockedFile)
	require.NoError(t, err)
	for _, e := range reloaded.Endpoints() {
		if e.Address == ep.Address {
			assert.True(t, e.Blocked)
		}
	}
}

func TestPoolMissingFiles(t *testing.T) {
	dir := t.TempDir()
	pool, err := New(filepath.Join(dir, "absent.txt"), filepath.Join(dir, "blocked.txt"))
	require.NoError(t, err)

	_, ok := pool.Acquire()
	assert.False(t, ok)
	assert.True(t, pool.AllBlocked())
}

func TestConfigureSetsBrowserProxy(t *testing.T) {
	ep := Endpoint{
		Address:  "10.0.0.1:8080",
		Username: "user",
		Password: "secret",
	}

	opts := browser.DefaultOptions()
	ep.Configure(opts)

	assert.Equal(t, "10.0.0.1:8080", opts.ProxyServer)
	assert.Equal(t, "user", opts.ProxyUsername)
	assert.Equal(t, "secret", opts.ProxyPassword)
}
