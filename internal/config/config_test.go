package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tranche.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "pebble", cfg.Store.Backend)
	assert.Equal(t, "data/pebble", cfg.Store.Path)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 50, cfg.Persist.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(100_000), cfg.Snapshot.Interval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.AllowMint)
	assert.Empty(t, cfg.Kafka.Topic, "no brokers, no topic default")
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, `
store:
  backend: badger
  path: /var/lib/tranche
kafka:
  brokers: [k1:9092, k2:9092]
epoch:
  schedule: "0 0 0 * * *"
persist:
  flush_timeout: 25ms
allow_mint: true
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/tranche", cfg.Store.Path)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "tranche.epoch-outcomes", cfg.Kafka.Topic)
	assert.Equal(t, "0 0 0 * * *", cfg.Epoch.Schedule)
	assert.Equal(t, 25*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.True(t, cfg.AllowMint)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "store: [unterminated"))
	assert.Error(t, err)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Backend = "pebble"
	env := map[string]string{
		"TRANCHE_STORE_BACKEND":         "memory",
		"TRANCHE_KAFKA_BROKERS":         "a:1, b:2,,",
		"TRANCHE_PERSIST_BATCH_SIZE":    "7",
		"TRANCHE_PERSIST_FLUSH_TIMEOUT": "3ms",
		"TRANCHE_SNAPSHOT_INTERVAL":     "500",
		"TRANCHE_ALLOW_MINT":            "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, cfg.applyEnv(lookup))
	cfg.applyDefaults()

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Empty(t, cfg.Store.Path)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Persist.BatchSize)
	assert.Equal(t, 3*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(500), cfg.Snapshot.Interval)
	assert.True(t, cfg.AllowMint)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := &Config{}
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "TRANCHE_INGEST_CHAN_SIZE" {
			return "lots", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "TRANCHE_INGEST_CHAN_SIZE")
}

func TestValidate_Rejects(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Store.Backend = "rocksdb"
	assert.Error(t, cfg.Validate())

	cfg.Store.Backend = "memory"
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())

	cfg.LogLevel = "warn"
	cfg.Kafka.Brokers = []string{"k:9092"}
	cfg.Kafka.Topic = ""
	assert.Error(t, cfg.Validate(), "brokers without topic")
}
