package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_URL", "http://example.test:3000/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://example.test:3000", cfg.AppURL)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.PairingTimeout)
	assert.Equal(t, 5*time.Second, cfg.ClassifierTimeout)
	assert.Equal(t, 3*time.Second, cfg.NotifyInterval)
	assert.Equal(t, 30*time.Second, cfg.RecipientRefreshInterval)
	assert.Equal(t, "92", cfg.WhatsAppCountryCode)
	assert.Equal(t, []string{"python3", "Deep/matcher.py"}, cfg.MatcherArgs())
	assert.False(t, cfg.UsesPostgres())
}

func TestLoadRejectsBadCountryCode(t *testing.T) {
	t.Setenv("WHATSAPP_COUNTRY_CODE", "+92")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WHATSAPP_COUNTRY_CODE")
}

func TestUsesPostgres(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgresql://user@localhost/db"}
	assert.True(t, cfg.UsesPostgres())
}
