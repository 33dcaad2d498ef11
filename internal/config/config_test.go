package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://local/soknad
telegram:
  token: yaml-token
  chat_id: 42
registration:
  question_timeout: 2m
filter:
  keywords: ["golang", "backend"]
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("VERIFICATION_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	assert.Equal(t, 2*time.Minute, cfg.Registration.QuestionTimeout)
	assert.Equal(t, 90*time.Second, cfg.Registration.VerificationTimeout)
	assert.Equal(t, []string{"golang", "backend"}, cfg.Filter.Keywords)

	// defaults
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.Registration.FlowTimeout)
	assert.Equal(t, 100, cfg.Automation.MinDescriptionLength)
	assert.Equal(t, 2.50, cfg.AI.PriceInput)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN is required")
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_InvalidChatID(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	assert.ErrorContains(t, err, "invalid TELEGRAM_CHAT_ID")
}

func TestWebhookURL(t *testing.T) {
	cfg := &Config{PublicURL: "https://bot.example.no/"}
	assert.Equal(t, "https://bot.example.no/webhook/agent", cfg.WebhookURL("/webhook/agent"))
	assert.Equal(t, "", (&Config{}).WebhookURL("/totp"))
}
