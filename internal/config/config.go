// Package config loads the YAML node configuration: identity storage,
// ratchet policy, LXMF/propagation settings, and the diagnostics
// listener (§6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the top-level configuration for a Reticulum node.
type NodeConfig struct {
	IdentityPath    string        `yaml:"identity_path"`
	EnableTransport bool          `yaml:"enable_transport"`
	Ratchets        RatchetConfig `yaml:"ratchets"`
	LXMF            LXMFConfig    `yaml:"lxmf"`
	Diagnostics     DiagConfig    `yaml:"diagnostics"`
	LogLevel        string        `yaml:"log_level"`
}

// RatchetConfig governs forward-secrecy key rotation for owned
// SINGLE destinations.
type RatchetConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RotationSecs int64  `yaml:"rotation_seconds"`
	RingPath     string `yaml:"ring_path"`
	RingSize     int    `yaml:"ring_size"`
}

// LXMFConfig configures the messaging layer, including whether this
// node also acts as a propagation node.
type LXMFConfig struct {
	DisplayName      string `yaml:"display_name"`
	PropagationNode  bool   `yaml:"propagation_node"`
	StoreDSN         string `yaml:"store_dsn"`
	OutboundAttempts int    `yaml:"outbound_attempts"`
}

// DiagConfig configures the HTTP/websocket observability listener.
type DiagConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns a config with sensible defaults.
func Default() *NodeConfig {
	return &NodeConfig{
		IdentityPath:    "/etc/reticulum-go/identity.key",
		EnableTransport: false,
		Ratchets: RatchetConfig{
			Enabled:      true,
			RotationSecs: 2592000, // 30 days
			RingPath:     "/etc/reticulum-go/ratchets",
			RingSize:     5,
		},
		LXMF: LXMFConfig{
			DisplayName:      "anonymous",
			PropagationNode:  false,
			StoreDSN:         "sqlite:///var/lib/reticulum-go/lxmf.db",
			OutboundAttempts: 5,
		},
		Diagnostics: DiagConfig{
			Enabled:   false,
			Listen:    "127.0.0.1:7822",
			JWTSecret: "change-me-in-production",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML node config from path, starting from Default and
// overlaying whatever the file sets.
func Load(path string) (*NodeConfig, error) {
	cfg := Default()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("config: load node config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
