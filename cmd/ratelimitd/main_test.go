package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ratelimitd/limitador/internal/config"
	"github.com/ratelimitd/limitador/internal/ratelimiter"
	"github.com/ratelimitd/limitador/internal/storage"
)

func TestHeadersPolicyMapping(t *testing.T) {
	require.Equal(t, ratelimiter.HeadersDraft03, headersPolicy(config.HeadersDraft03))
	require.Equal(t, ratelimiter.HeadersNone, headersPolicy(config.HeadersNone))
}

func TestBuildStorageMemory(t *testing.T) {
	backend, broker, err := buildStorage(config.Config{Storage: config.StorageMemory}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, broker)
	_, ok := backend.(*storage.Memory)
	require.True(t, ok)
}

func TestBuildStorageSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "counters.db")
	backend, broker, err := buildStorage(config.Config{Storage: config.StorageSQLite, SQLiteDSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, broker)
	_, ok := backend.(*storage.SQLite)
	require.True(t, ok)
}

func TestBuildStorageDistributedReturnsBroker(t *testing.T) {
	backend, broker, err := buildStorage(config.Config{Storage: config.StorageDistributed, ReplicaID: "r1", BrokerAddr: "127.0.0.1:0"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, broker)
	_, ok := backend.(*storage.Distributed)
	require.True(t, ok)
}

func TestBuildStorageRejectsUnknownBackend(t *testing.T) {
	_, _, err := buildStorage(config.Config{Storage: "bogus"}, zerolog.Nop())
	require.Error(t, err)
}

func TestValidateConfigCmdReportsLimitCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  - namespace: ns\n    max: 1\n    seconds: 1\n"), 0o644))

	cmd := validateConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--ruleset", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "1 limit")
}

func TestVersionCmdPrintsVersion(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), Version)
}
