package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the effective configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// operators visibility into the values actually in force after defaults
// and the config file have been merged.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", path)

	ew.printf("document_size_limit_bytes = %d\n", cfg.DocumentSizeLimitBytes)
	ew.printf("max_disk_utilization_mb   = %d\n\n", cfg.MaxDiskUtilizationMB)

	renderStrategySection(ew, &cfg.Strategy)
	renderSynchronizeSection(ew, &cfg.Synchronize)
	renderRateLimitsSection(ew, &cfg.RateLimits)
	renderCloudSection(ew, &cfg.Cloud)
	renderMQTTSection(ew, &cfg.MQTT)
	renderLoggingSection(ew, &cfg.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderStrategySection(ew *errWriter, s *StrategyConfig) {
	ew.printf("[strategy]\n")
	ew.printf("  type  = %q\n", s.Type)

	if s.Type == "periodic" {
		ew.printf("  delay = %d\n", s.Delay)
	}

	ew.printf("\n")
}

func renderSynchronizeSection(ew *errWriter, s *SynchronizeConfig) {
	ew.printf("[synchronize]\n")
	ew.printf("  direction = %q\n", s.Direction)
	ew.printf("  max_outbound_updates_per_second = %v\n", s.MaxOutboundUpdatesPerSecond)
	ew.printf("  provide_sync_status = %t\n", s.ProvideSyncStatus)

	for _, doc := range s.ShadowDocuments {
		ew.printf("\n  [[synchronize.shadow_documents]]\n")
		ew.printf("  thing_name    = %q\n", doc.ThingName)
		ew.printf("  classic       = %t\n", doc.SyncsClassic())

		if len(doc.NamedShadows) > 0 {
			ew.printf("  named_shadows = [%s]\n", joinQuoted(doc.NamedShadows))
		}
	}

	ew.printf("\n")
}

func renderRateLimitsSection(ew *errWriter, r *RateLimitsConfig) {
	ew.printf("[rate_limits]\n")
	ew.printf("  max_local_requests_per_second_per_thing = %d\n", r.MaxLocalRequestsPerSecondPerThing)
	ew.printf("  max_total_local_request_rate            = %d\n\n", r.MaxTotalLocalRequestRate)
}

func renderCloudSection(ew *errWriter, c *CloudConfig) {
	ew.printf("[cloud]\n")

	if c.Endpoint == "" {
		ew.printf("  # endpoint unset: running local-only, no cloud sync\n")
	} else {
		ew.printf("  endpoint = %q\n", c.Endpoint)
	}

	ew.printf("  timeout  = %q\n", c.Timeout)

	if c.TokenFile != "" {
		ew.printf("  token_file = %q\n", c.TokenFile)
	}

	ew.printf("\n")
}

func renderMQTTSection(ew *errWriter, m *MQTTConfig) {
	ew.printf("[mqtt]\n")

	if m.BrokerURL == "" {
		ew.printf("  # broker_url unset: no cloud notifications\n")
	} else {
		ew.printf("  broker_url = %q\n", m.BrokerURL)
	}

	ew.printf("  client_id  = %q\n", m.ClientID)

	if m.CAFile != "" {
		ew.printf("  ca_file    = %q\n", m.CAFile)
	}

	if m.CertFile != "" {
		ew.printf("  cert_file  = %q\n", m.CertFile)
		ew.printf("  key_file   = %q\n", m.KeyFile)
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  level  = %q\n", l.Level)
	ew.printf("  format = %q\n", l.Format)
}

// joinQuoted renders a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}
