package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tonimelisma/shadowgate/internal/names"
)

// Validation range constants.
const (
	minDocumentSizeLimit = 1
	maxDocumentSizeLimit = 30720 // the shadow service's document ceiling
	minDiskUtilizationMB = 1
	minStrategyDelay     = 1
)

// Known enum values.
var (
	validDirections = map[string]bool{
		"betweenDeviceAndCloud": true,
		"deviceToCloud":         true,
		"cloudToDevice":         true,
	}

	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass. An unknown
// strategy type is deliberately not an error; see WarnFallbacks.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DocumentSizeLimitBytes < minDocumentSizeLimit || cfg.DocumentSizeLimitBytes > maxDocumentSizeLimit {
		errs = append(errs, fmt.Errorf("document_size_limit_bytes: must be between %d and %d, got %d",
			minDocumentSizeLimit, maxDocumentSizeLimit, cfg.DocumentSizeLimitBytes))
	}

	if cfg.MaxDiskUtilizationMB < minDiskUtilizationMB {
		errs = append(errs, fmt.Errorf("max_disk_utilization_mb: must be at least %d, got %d",
			minDiskUtilizationMB, cfg.MaxDiskUtilizationMB))
	}

	errs = append(errs, validateStrategy(&cfg.Strategy)...)
	errs = append(errs, validateSynchronize(&cfg.Synchronize)...)
	errs = append(errs, validateRateLimits(&cfg.RateLimits)...)
	errs = append(errs, validateCloud(&cfg.Cloud)...)
	errs = append(errs, validateMQTT(&cfg.MQTT)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateStrategy(s *StrategyConfig) []error {
	var errs []error

	if s.Type == "periodic" && s.Delay < minStrategyDelay {
		errs = append(errs, fmt.Errorf("strategy.delay: must be at least %d second, got %d",
			minStrategyDelay, s.Delay))
	}

	return errs
}

func validateSynchronize(s *SynchronizeConfig) []error {
	var errs []error

	if !validDirections[s.Direction] {
		errs = append(errs, fmt.Errorf(
			"synchronize.direction: must be betweenDeviceAndCloud, deviceToCloud or cloudToDevice, got %q",
			s.Direction))
	}

	if s.MaxOutboundUpdatesPerSecond < 0 {
		errs = append(errs, fmt.Errorf(
			"synchronize.max_outbound_updates_per_second: must be non-negative, got %v",
			s.MaxOutboundUpdatesPerSecond))
	}

	seenThings := make(map[string]bool)

	for _, doc := range s.ShadowDocuments {
		if err := names.ValidateThingName(doc.ThingName); err != nil {
			errs = append(errs, fmt.Errorf("synchronize.shadow_documents: %w", err))
			continue
		}

		if seenThings[doc.ThingName] {
			errs = append(errs, fmt.Errorf(
				"synchronize.shadow_documents: thing %q listed more than once", doc.ThingName))
			continue
		}

		seenThings[doc.ThingName] = true

		if !doc.SyncsClassic() && len(doc.NamedShadows) == 0 {
			errs = append(errs, fmt.Errorf(
				"synchronize.shadow_documents: thing %q configures no shadows", doc.ThingName))
		}

		seenShadows := make(map[string]bool)

		for _, shadow := range doc.NamedShadows {
			if err := names.ValidateShadowName(shadow); err != nil {
				errs = append(errs, fmt.Errorf("synchronize.shadow_documents: thing %q: %w", doc.ThingName, err))
				continue
			}

			if seenShadows[shadow] {
				errs = append(errs, fmt.Errorf(
					"synchronize.shadow_documents: thing %q lists shadow %q more than once",
					doc.ThingName, shadow))
			}

			seenShadows[shadow] = true
		}
	}

	return errs
}

func validateRateLimits(r *RateLimitsConfig) []error {
	var errs []error

	if r.MaxLocalRequestsPerSecondPerThing < 0 {
		errs = append(errs, fmt.Errorf(
			"rate_limits.max_local_requests_per_second_per_thing: must be non-negative, got %d",
			r.MaxLocalRequestsPerSecondPerThing))
	}

	if r.MaxTotalLocalRequestRate < 0 {
		errs = append(errs, fmt.Errorf(
			"rate_limits.max_total_local_request_rate: must be non-negative, got %d",
			r.MaxTotalLocalRequestRate))
	}

	return errs
}

func validateCloud(c *CloudConfig) []error {
	var errs []error

	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("cloud.endpoint: must be an http(s) URL, got %q", c.Endpoint))
		}
	}

	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)

		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("cloud.timeout: %w", err))
		case d <= 0:
			errs = append(errs, fmt.Errorf("cloud.timeout: must be positive, got %q", c.Timeout))
		}
	}

	return errs
}

func validateMQTT(m *MQTTConfig) []error {
	var errs []error

	if m.BrokerURL != "" {
		u, err := url.Parse(m.BrokerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker_url: must be a broker URL like ssl://host:8883, got %q",
				m.BrokerURL))
		}

		if m.ClientID == "" {
			errs = append(errs, errors.New("mqtt.client_id: must not be empty when a broker is configured"))
		}
	}

	if (m.CertFile == "") != (m.KeyFile == "") {
		errs = append(errs, errors.New("mqtt: cert_file and key_file must both be set"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be debug, info, warn or error, got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be auto, text or json, got %q", l.Format))
	}

	return errs
}

// CloudTimeout returns the parsed cloud call timeout, or zero when unset.
// Validate has already rejected unparseable values.
func (c *Config) CloudTimeout() time.Duration {
	if c.Cloud.Timeout == "" {
		return 0
	}

	d, err := time.ParseDuration(c.Cloud.Timeout)
	if err != nil {
		return 0
	}

	return d
}

// WarnFallbacks logs configuration values that are accepted but adjusted at
// runtime. An unknown strategy type falls back to realTime rather than
// failing the load, so a typo never strands a gateway without syncing.
func WarnFallbacks(cfg *Config, logger *slog.Logger) {
	if cfg.Strategy.Type != "realTime" && cfg.Strategy.Type != "periodic" {
		logger.Warn("Unknown strategy type, falling back to realTime",
			"type", cfg.Strategy.Type)
	}
}
