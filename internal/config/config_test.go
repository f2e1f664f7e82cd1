package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 500, cfg.VirusTotal.Limit.DailyLimit)
	assert.Equal(t, 15*time.Second, cfg.VirusTotal.Limit.MinInterval)
	assert.Equal(t, 1000, cfg.AbuseIPDB.Limit.DailyLimit)
	assert.Equal(t, time.Second, cfg.AbuseIPDB.Limit.MinInterval)
	assert.Equal(t, 10000, cfg.URLhaus.Limit.DailyLimit)
	assert.Equal(t, 200*time.Millisecond, cfg.URLhaus.Limit.MinInterval)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, time.Duration(0), cfg.Pipeline.RefreshAfter, "refresh is off by default")
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"Go", "npm", "PyPI", "Maven"}, cfg.Feeds.OSVEcosystems)
	require.Len(t, cfg.Feeds.Blocklists, 5)
	assert.Equal(t, "abusech-feodo", cfg.Feeds.Blocklists[0].Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "4")
	t.Setenv("VIRUSTOTAL_DAILY_LIMIT", "100")
	t.Setenv("VIRUSTOTAL_MIN_INTERVAL", "20s")
	t.Setenv("VIRUSTOTAL_API_KEY", "vt-key")
	t.Setenv("OTX_API_KEY", "otx-key")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("PIPELINE_REFRESH_AFTER", "168h")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 100, cfg.VirusTotal.Limit.DailyLimit)
	assert.Equal(t, 20*time.Second, cfg.VirusTotal.Limit.MinInterval)
	assert.Equal(t, "vt-key", cfg.VirusTotal.APIKey)
	assert.Equal(t, "otx-key", cfg.Feeds.OTXAPIKey)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 168*time.Hour, cfg.Pipeline.RefreshAfter)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingester.yaml")
	yaml := `
store:
  driver: mongo
mongo:
  uri: mongodb://mongo:27017
  database: intel
feeds:
  blocklists:
    - name: custom
      url: https://lists.example.net/bad.txt
      threat_type: scanner
schedule: "0 */2 * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "intel", cfg.Mongo.Database)
	require.Len(t, cfg.Feeds.Blocklists, 1)
	assert.Equal(t, "scanner", cfg.Feeds.Blocklists[0].ThreatType)
	assert.Equal(t, "0 */2 * * *", cfg.Schedule)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":           "sqlite",
		"QUOTA_RESET_HOUR_UTC":   "25",
		"PIPELINE_WORKERS":       "0",
		"LOG_LEVEL":              "verbose",
		"VIRUSTOTAL_DAILY_LIMIT": "-1",
	}
	for env, value := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestValidate_KafkaNeedsTopic(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Kafka.Brokers = []string{"kafka:9092"}
	cfg.Kafka.Topic = ""
	assert.ErrorContains(t, cfg.Validate(), "KAFKA_TOPIC")
}

func TestLoad_GRPCDefaultsToLoopback(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	host, _, err := net.SplitHostPort(cfg.Ops.GRPCAddr)
	require.NoError(t, err)
	assert.Equal(t, "localhost", host, "external binding must be configured explicitly")

	t.Setenv("OPS_GRPC_ADDR", "0.0.0.0:50052")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:50052", cfg.Ops.GRPCAddr)
}
