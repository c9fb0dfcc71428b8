package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/clip-tender/config"
)

func testConfig() *config.Config {
	return &config.Config{
		TwitchClientID:        "cid",
		TwitchClientSecret:    "secret",
		TelegramBotToken:      "123:abc",
		PollInterval:          time.Minute,
		PollConcurrency:       2,
		ClipPageSize:          20,
		ClipMaxPages:          5,
		ClipLookback:          24 * time.Hour,
		ClipMaxLookback:       7 * 24 * time.Hour,
		UpstreamTimeout:       10 * time.Second,
		TelegramTimeout:       15 * time.Second,
		DeliveryRatePerSec:    20,
		DeliveryFailurePolicy: "halt",
		DisplayTimezone:       "UTC",
	}
}

func TestBuildRelay(t *testing.T) {
	a := &App{Config: testConfig()}
	require.NoError(t, a.BuildRelay())
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Tokens)
	assert.Equal(t, "cid", a.Tokens.ClientID)

	_, ok := a.Scheduler.LastReport()
	assert.False(t, ok)
}

func TestBuildRelayRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.Config)
	}{
		{"missing telegram token", func(c *config.Config) { c.TelegramBotToken = "" }},
		{"missing twitch secret", func(c *config.Config) { c.TwitchClientSecret = "" }},
		{"bad policy", func(c *config.Config) { c.DeliveryFailurePolicy = "retry" }},
		{"bad timezone", func(c *config.Config) { c.DisplayTimezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mod(cfg)
			a := &App{Config: cfg}
			assert.Error(t, a.BuildRelay())
			assert.Nil(t, a.Scheduler)
		})
	}
}

func TestSeedWithoutFile(t *testing.T) {
	a := &App{Config: testConfig()}
	assert.NoError(t, a.Seed(context.Background()))
}

func TestSeedMissingFile(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriptionsFile = t.TempDir() + "/missing.yaml"
	a := &App{Config: cfg}
	assert.Error(t, a.Seed(context.Background()))
}

func TestCloseWithoutDB(t *testing.T) {
	assert.NoError(t, (&App{}).Close())
}
