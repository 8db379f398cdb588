package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CALL_RING_TIMEOUT", "not-a-duration")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://localhost:9090", cfg.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.CallRingTimeout)
	assert.Equal(t, "memory", cfg.PresenceDriver)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMemoryStoreInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory store")
}

func TestValidateRejectsUnknownPresenceDriver(t *testing.T) {
	t.Setenv("PRESENCE_DRIVER", "etcd")

	require.Error(t, Load().Validate())
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("WS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")

	cfg := Load()

	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.WSAllowedOrigins)
}
