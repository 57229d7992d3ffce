// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for shadowgate. Configuration is held
// behind a Holder snapshot and reloaded by a file watcher, so the running
// service picks up edits without a restart.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// DocumentSizeLimitBytes caps accepted shadow update payloads.
	DocumentSizeLimitBytes int `toml:"document_size_limit_bytes" json:"document_size_limit_bytes"`

	// MaxDiskUtilizationMB caps the on-disk shadow store size.
	MaxDiskUtilizationMB int `toml:"max_disk_utilization_mb" json:"max_disk_utilization_mb"`

	Strategy    StrategyConfig    `toml:"strategy" json:"strategy"`
	Synchronize SynchronizeConfig `toml:"synchronize" json:"synchronize"`
	RateLimits  RateLimitsConfig  `toml:"rate_limits" json:"rate_limits"`
	Cloud       CloudConfig       `toml:"cloud" json:"cloud"`
	MQTT        MQTTConfig        `toml:"mqtt" json:"mqtt"`
	Logging     LoggingConfig     `toml:"logging" json:"logging"`
}

// StrategyConfig selects the sync dispatch discipline. An unknown type
// falls back to realTime with a warning rather than failing the load; see
// WarnFallbacks.
type StrategyConfig struct {
	Type  string `toml:"type" json:"type"`   // "realTime" or "periodic"
	Delay int    `toml:"delay" json:"delay"` // seconds between periodic passes
}

// SynchronizeConfig declares which shadows sync and how.
type SynchronizeConfig struct {
	Direction                   string           `toml:"direction" json:"direction"`
	MaxOutboundUpdatesPerSecond float64          `toml:"max_outbound_updates_per_second" json:"max_outbound_updates_per_second"`
	ProvideSyncStatus           bool             `toml:"provide_sync_status" json:"provide_sync_status"`
	ShadowDocuments             []ShadowDocument `toml:"shadow_documents" json:"shadow_documents,omitempty"`
}

// ShadowDocument names one thing's synced shadows. Classic is a pointer so
// an absent key defaults to true: listing a thing without any flags means
// its classic shadow syncs.
type ShadowDocument struct {
	ThingName    string   `toml:"thing_name" json:"thing_name"`
	Classic      *bool    `toml:"classic" json:"classic,omitempty"`
	NamedShadows []string `toml:"named_shadows" json:"named_shadows,omitempty"`
}

// SyncsClassic reports whether the entry includes the thing's classic shadow.
func (d ShadowDocument) SyncsClassic() bool {
	return d.Classic == nil || *d.Classic
}

// RateLimitsConfig bounds local IPC request rates. Zero disables a limit.
type RateLimitsConfig struct {
	MaxLocalRequestsPerSecondPerThing int `toml:"max_local_requests_per_second_per_thing" json:"max_local_requests_per_second_per_thing"`
	MaxTotalLocalRequestRate          int `toml:"max_total_local_request_rate" json:"max_total_local_request_rate"`
}

// CloudConfig points at the shadow service data plane. An empty endpoint
// runs the gateway local-only, without cloud synchronization. TokenFile
// names a credential file whose bearer token authenticates data-plane
// requests; empty sends unauthenticated requests.
type CloudConfig struct {
	Endpoint  string `toml:"endpoint" json:"endpoint"`
	Timeout   string `toml:"timeout" json:"timeout"`
	TokenFile string `toml:"token_file" json:"token_file,omitempty"`
}

// MQTTConfig configures the notification broker session. An empty broker
// URL disables inbound notifications; periodic strategy is advisable then.
// CAFile pins server roots; CertFile/KeyFile enable mutual TLS.
type MQTTConfig struct {
	BrokerURL string `toml:"broker_url" json:"broker_url"`
	ClientID  string `toml:"client_id" json:"client_id"`
	CAFile    string `toml:"ca_file" json:"ca_file,omitempty"`
	CertFile  string `toml:"cert_file" json:"cert_file,omitempty"`
	KeyFile   string `toml:"key_file" json:"key_file,omitempty"`
}

// LoggingConfig controls log output: level and format. Format "auto" picks
// text on a terminal and JSON otherwise.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty means not specified.
type CLIOverrides struct {
	ConfigPath string // --config flag
	DataDir    string // --data-dir flag
}
