package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the starter config written by "config init". All
// settings are present as commented-out defaults so operators can discover
// every option without reading docs. The template is written once and never
// regenerated, so hand edits are preserved.
const configTemplate = `# shadowgate configuration

# Maximum accepted shadow update payload, in bytes (1..30720).
# document_size_limit_bytes = 8192

# Cap on the shadow store's on-disk size.
# max_disk_utilization_mb = 64

[strategy]
# Dispatch discipline for cloud sync: "realTime" drains continuously,
# "periodic" wakes every delay seconds and drains everything ready.
# type  = "realTime"
# delay = 60

[synchronize]
# Which side may drive changes onto the other:
# betweenDeviceAndCloud | deviceToCloud | cloudToDevice
# direction = "betweenDeviceAndCloud"

# Cap on outbound cloud updates. 0 means unlimited.
# max_outbound_updates_per_second = 100

# Expose per-shadow sync state through the status command.
# provide_sync_status = false

# Each entry names one thing's synced shadows. Omitting "classic"
# includes the classic (unnamed) shadow.
# [[synchronize.shadow_documents]]
# thing_name    = "door-7"
# classic       = true
# named_shadows = ["lock", "battery"]

[rate_limits]
# Local IPC request rates. 0 disables a limit.
# max_local_requests_per_second_per_thing = 20
# max_total_local_request_rate            = 200

[cloud]
# Shadow service data plane. Leave endpoint unset to run local-only.
# endpoint   = "https://data.iot.example.com"
# timeout    = "30s"
# token_file = "/etc/shadowgate/cloud-token.json"

[mqtt]
# Notification broker. Leave broker_url unset to disable notifications.
# broker_url = "ssl://iot.example.com:8883"
# client_id  = "shadowgate"
# ca_file    = "/etc/shadowgate/ca.pem"
# cert_file  = "/etc/shadowgate/cert.pem"
# key_file   = "/etc/shadowgate/key.pem"

[logging]
# level  = "info"            # debug | info | warn | error
# format = "auto"            # auto | text | json
`

// WriteDefault creates the starter config file at path, creating parent
// directories as needed. An existing file is never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), configDirPermissions); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(configTemplate), configFilePermissions); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}

	return nil
}
