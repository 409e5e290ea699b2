package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("STUDYROOM_STORE_DRIVER", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 5, cfg.ChatRate.Limit)
	assert.Equal(t, time.Second, cfg.ChatRate.Interval)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Store.HistoryLimit)
}

func TestLoadParticipantFlagsOverride(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	fs := pflag.NewFlagSet("participant", pflag.ContinueOnError)
	ParticipantFlags(fs)
	require.NoError(t, fs.Parse([]string{"--session-id=s1", "--user-id=u1", "--user-name=Ann", "--voice"}))

	cfg, err := LoadParticipant(fs)
	require.NoError(t, err)
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, "Ann", cfg.UserName)
	assert.True(t, cfg.Voice)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Whiteboard.Debounce)
	assert.Equal(t, 100*time.Millisecond, cfg.Whiteboard.RemoteSettle)
	assert.Equal(t, 30*time.Second, cfg.Whiteboard.AutosaveInterval)
	assert.Equal(t, 30*time.Second, cfg.NegotiationTimeout)
	assert.Equal(t, DefaultICEServers, cfg.ICEServers)
}
