package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, QueueStoreFile, cfg.Sync.Store)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Sync.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxBackoff)
	assert.Equal(t, 15*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.RecordCacheTTL)
	assert.Equal(t, 60*time.Second, cfg.Sync.ListCacheTTL)
	assert.Equal(t, 31000, cfg.CRM.MaxFieldLength)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.Redis.Enabled)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("SYNC_STORE", "postgres")
	t.Setenv("SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("SYNC_DRAIN_INTERVAL", "2s")
	t.Setenv("DB_NAME", "crm_sync")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("JWT_ACCESS_SECRET", "s3cret")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, QueueStorePostgres, cfg.Sync.Store)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.DrainInterval)
	assert.Contains(t, cfg.GetDatabaseDSN(), "dbname=crm_sync")
	assert.Equal(t, "localhost:6380", cfg.GetRedisAddr())
	assert.True(t, cfg.AuthEnabled())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store", env: map[string]string{"SYNC_STORE": "sqlite"}},
		{name: "zero attempts", env: map[string]string{"SYNC_MAX_ATTEMPTS": "0"}},
		{name: "cap below base", env: map[string]string{"SYNC_BASE_BACKOFF": "10s", "SYNC_MAX_BACKOFF": "1s"}},
		{name: "bad crm url", env: map[string]string{"CRM_BASE_URL": "not a url"}},
		{name: "refresh token without client", env: map[string]string{"CRM_REFRESH_TOKEN": "r"}},
		{name: "unparsable duration", env: map[string]string{"SYNC_CALL_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
