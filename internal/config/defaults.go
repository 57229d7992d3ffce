package config

// Default values for configuration options. These are chosen to match the
// shadow service's documented limits and work without any config file.
const (
	defaultDocumentSizeLimit = 8192
	defaultMaxDiskMB         = 64
	defaultStrategyType      = "realTime"
	defaultStrategyDelay     = 60
	defaultDirection         = "betweenDeviceAndCloud"
	defaultOutboundRate      = 100
	defaultPerThingRate      = 20
	defaultTotalRate         = 200
	defaultCloudTimeout      = "30s"
	defaultMQTTClientID      = "shadowgate"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults,
// and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		DocumentSizeLimitBytes: defaultDocumentSizeLimit,
		MaxDiskUtilizationMB:   defaultMaxDiskMB,
		Strategy: StrategyConfig{
			Type:  defaultStrategyType,
			Delay: defaultStrategyDelay,
		},
		Synchronize: SynchronizeConfig{
			Direction:                   defaultDirection,
			MaxOutboundUpdatesPerSecond: defaultOutboundRate,
		},
		RateLimits: RateLimitsConfig{
			MaxLocalRequestsPerSecondPerThing: defaultPerThingRate,
			MaxTotalLocalRequestRate:          defaultTotalRate,
		},
		Cloud: CloudConfig{
			Timeout: defaultCloudTimeout,
		},
		MQTT: MQTTConfig{
			ClientID: defaultMQTTClientID,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
