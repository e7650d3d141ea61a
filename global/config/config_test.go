package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log:
  level: debug
client:
  user: alice
  storage:
    driver: redis
    redis:
      addr: 127.0.0.1:6379
  backend:
    base_url: http://ledger:8086
    timeout: 3s
    breaker:
      max_failures: 2
  chat:
    poll_interval: 500ms
  peer:
    ice_servers: [stun:stun.l.google.com:19302]
ledger:
  addr: ":9000"
`

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("PPSYNC_CLIENT_USER", "bob")
	t.Setenv("PPSYNC_CLIENT_SIGNAL_NATS_SERVERS", "nats://a:4222,nats://b:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "bob", cfg.Client.User)
	assert.Equal(t, "redis", cfg.Client.Storage.Driver)
	assert.Equal(t, "127.0.0.1:6379", cfg.Client.Storage.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Client.Backend.Timeout)
	assert.Equal(t, uint32(2), cfg.Client.Backend.Breaker.MaxFailures)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Chat.PollInterval)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Client.Peer.ICEServers)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Client.Signal.NATS.Servers)
	assert.Equal(t, ":9000", cfg.Ledger.Addr)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("PPSYNC_CLIENT_USER", "carol")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Client.User)
	assert.Empty(t, cfg.Client.Storage.Driver)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
