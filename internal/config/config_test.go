package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, noEnv)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, ":8081", cfg.BrokerAddr)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, HeadersDraft03, cfg.Headers)
	require.Equal(t, StorageMemory, cfg.Storage)
	require.NotEmpty(t, cfg.ReplicaID)
	require.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadGeneratesDistinctReplicaIDsWhenUnset(t *testing.T) {
	a, err := Load(nil, noEnv)
	require.NoError(t, err)
	b, err := Load(nil, noEnv)
	require.NoError(t, err)
	require.NotEqual(t, a.ReplicaID, b.ReplicaID)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{
		"--listen-addr", ":9000",
		"--replica-id", "r1",
		"--storage", "distributed",
		"--headers", "none",
		"--peer", "http://a:1",
		"--peer", "http://b:1",
	}, noEnv)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, "r1", cfg.ReplicaID)
	require.Equal(t, StorageDistributed, cfg.Storage)
	require.Equal(t, HeadersNone, cfg.Headers)
	require.Equal(t, []string{"http://a:1", "http://b:1"}, cfg.PeerSeedURLs)
}

func TestLoadEnvVarsUsedWhenFlagsAbsent(t *testing.T) {
	env := map[string]string{
		"RATELIMIT_LISTEN_ADDR": ":7000",
		"RATELIMIT_STORAGE":     "sqlite",
		"RATELIMIT_PEERS":       "http://x:1,http://y:1",
	}
	cfg, err := Load(nil, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, StorageSQLite, cfg.Storage)
	require.Equal(t, []string{"http://x:1", "http://y:1"}, cfg.PeerSeedURLs)
}

func TestLoadRejectsInvalidStorage(t *testing.T) {
	_, err := Load([]string{"--storage", "bogus"}, noEnv)
	require.Error(t, err)
}

func TestLoadRejectsInvalidHeaders(t *testing.T) {
	_, err := Load([]string{"--headers", "bogus"}, noEnv)
	require.Error(t, err)
}

func TestNewLoggerConsoleVsJSON(t *testing.T) {
	consoleLogger := NewLogger(zerolog.DebugLevel, true)
	jsonLogger := NewLogger(zerolog.DebugLevel, false)
	require.Equal(t, zerolog.DebugLevel, consoleLogger.GetLevel())
	require.Equal(t, zerolog.DebugLevel, jsonLogger.GetLevel())
}
