package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# chainsync configuration

[upstream]
# Dashboard API base URL
api_url = "http://127.0.0.1:8000/api"
# Exchange preferred when a search returns several candidates
preferred_exchange = "NSE"
# Timeout for each snapshot request
request_timeout = "10s"

[stream]
# Push channel base URL; the security id and segment tag are appended
url = "ws://127.0.0.1:8000/ws/option_chain"
handshake_timeout = "10s"
# Keepalive ping interval (0 disables pings)
ping_interval = "30s"
buffer_size = 16

[breaker]
# Stop calling the API for a while after repeated transport failures
enabled = true
failure_threshold = 5
timeout = "30s"

[store]
# Keep the last accepted chain per instrument and expiry
enabled = true
# path = "~/.config/chainsync/chains.db"

[logging]
# debug, info, warn, error
level = "info"
console = true
file = false
max_size = 50
max_backups = 5
max_age = 14

[ui]
color_enabled = true

[server]
# Local development upstream (chainsync serve)
addr = "127.0.0.1:8000"
push_interval = "2s"
fixtures_path = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
