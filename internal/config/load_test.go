package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
document_size_limit_bytes = 16384
max_disk_utilization_mb = 128

[strategy]
type = "periodic"
delay = 300

[synchronize]
direction = "deviceToCloud"
max_outbound_updates_per_second = 5
provide_sync_status = true

[[synchronize.shadow_documents]]
thing_name = "door-7"
named_shadows = ["lock", "battery"]

[[synchronize.shadow_documents]]
thing_name = "pump-1"
classic = false
named_shadows = ["motor"]

[rate_limits]
max_local_requests_per_second_per_thing = 50
max_total_local_request_rate = 500

[cloud]
endpoint = "https://data.iot.example.com"
timeout = "10s"
token_file = "/etc/shadowgate/cloud-token.json"

[mqtt]
broker_url = "ssl://iot.example.com:8883"
client_id = "gw-42"
ca_file = "/etc/shadowgate/ca.pem"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16384, cfg.DocumentSizeLimitBytes)
	assert.Equal(t, 128, cfg.MaxDiskUtilizationMB)
	assert.Equal(t, "periodic", cfg.Strategy.Type)
	assert.Equal(t, 300, cfg.Strategy.Delay)
	assert.Equal(t, "deviceToCloud", cfg.Synchronize.Direction)
	assert.Equal(t, float64(5), cfg.Synchronize.MaxOutboundUpdatesPerSecond)
	assert.True(t, cfg.Synchronize.ProvideSyncStatus)

	require.Len(t, cfg.Synchronize.ShadowDocuments, 2)
	assert.Equal(t, "door-7", cfg.Synchronize.ShadowDocuments[0].ThingName)
	assert.True(t, cfg.Synchronize.ShadowDocuments[0].SyncsClassic())
	assert.Equal(t, []string{"lock", "battery"}, cfg.Synchronize.ShadowDocuments[0].NamedShadows)
	assert.False(t, cfg.Synchronize.ShadowDocuments[1].SyncsClassic())

	assert.Equal(t, 50, cfg.RateLimits.MaxLocalRequestsPerSecondPerThing)
	assert.Equal(t, 500, cfg.RateLimits.MaxTotalLocalRequestRate)
	assert.Equal(t, "https://data.iot.example.com", cfg.Cloud.Endpoint)
	assert.Equal(t, "10s", cfg.Cloud.Timeout)
	assert.Equal(t, "/etc/shadowgate/cloud-token.json", cfg.Cloud.TokenFile)
	assert.Equal(t, "ssl://iot.example.com:8883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "gw-42", cfg.MQTT.ClientID)
	assert.Equal(t, "/etc/shadowgate/ca.pem", cfg.MQTT.CAFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[synchronize]
direction = "cloudToDevice"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cloudToDevice", cfg.Synchronize.Direction)
	assert.Equal(t, defaultDocumentSizeLimit, cfg.DocumentSizeLimitBytes)
	assert.Equal(t, defaultMaxDiskMB, cfg.MaxDiskUtilizationMB)
	assert.Equal(t, "realTime", cfg.Strategy.Type)
	assert.Equal(t, float64(defaultOutboundRate), cfg.Synchronize.MaxOutboundUpdatesPerSecond)
	assert.Equal(t, defaultPerThingRate, cfg.RateLimits.MaxLocalRequestsPerSecondPerThing)
	assert.Equal(t, "shadowgate", cfg.MQTT.ClientID)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Logging.Format)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_UnknownKeySuggestsClosest(t *testing.T) {
	path := writeTestConfig(t, `
[strategy]
tpye = "periodic"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"strategy.tpye"`)
	assert.Contains(t, err.Error(), `did you mean "type"`)
}

func TestLoad_UnknownSectionSuggestsClosest(t *testing.T) {
	path := writeTestConfig(t, `
[stratgy]
type = "periodic"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "strategy"`)
}

func TestLoad_UnknownShadowDocumentKey(t *testing.T) {
	path := writeTestConfig(t, `
[[synchronize.shadow_documents]]
thing_nmae = "door-7"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "thing_name"`)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `document_size_limit_bytes = [`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_OutOfRangeSizeLimitFails(t *testing.T) {
	path := writeTestConfig(t, `document_size_limit_bytes = 40000`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document_size_limit_bytes")
}

func TestResolvePath_Precedence(t *testing.T) {
	env := EnvOverrides{ConfigPath: "/env/config.toml"}
	cli := CLIOverrides{ConfigPath: "/cli/config.toml"}

	assert.Equal(t, "/cli/config.toml", ResolvePath(env, cli))
	assert.Equal(t, "/env/config.toml", ResolvePath(env, CLIOverrides{}))
}

func TestResolveDataDir_Precedence(t *testing.T) {
	env := EnvOverrides{DataDir: "/env/data"}
	cli := CLIOverrides{DataDir: "/cli/data"}

	assert.Equal(t, "/cli/data", ResolveDataDir(env, cli))
	assert.Equal(t, "/env/data", ResolveDataDir(env, CLIOverrides{}))
}
