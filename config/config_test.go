package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, 60*time.Second, cfg.Call.NoAnswerTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectTimeout)
	assert.Equal(t, 5, cfg.Realtime.MaxAttempts)
	assert.Equal(t, 20, cfg.Notification.PageSize)
	assert.Equal(t, 15*time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Call.PollInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_TRANSPORT", "memory")
	t.Setenv("REALTIME_MAX_ATTEMPTS", "2")
	t.Setenv("CALL_NO_ANSWER_TIMEOUT", "5s")
	t.Setenv("CALL_ALLOW_VIDEO", "false")
	t.Setenv("CHAT_POLL_INTERVAL", "3s")
	t.Setenv("NOTIFICATION_PAGE_SIZE", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, "memory", cfg.Transport)
	assert.Equal(t, 2, cfg.Realtime.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Call.NoAnswerTimeout)
	assert.False(t, cfg.Call.AllowVideoDevices)
	assert.Equal(t, 3*time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, 20, cfg.Notification.PageSize)
}
