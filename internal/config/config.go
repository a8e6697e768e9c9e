// Package config loads the bridge daemon settings from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/frpbridge/internal/logger"
	apitls "github.com/loykin/frpbridge/internal/tls"
)

// FileConfig is the top-level TOML structure for the daemon.
type FileConfig struct {
	// Listen is the bridge HTTP API address, host:port.
	Listen string `toml:"listen" mapstructure:"listen"`
	// WorkDir holds generated configs, storage documents and the database.
	WorkDir string `toml:"workdir" mapstructure:"workdir"`
	// BinDir holds the frps/frpc executables. Defaults to <workdir>/bin.
	BinDir string `toml:"bindir" mapstructure:"bindir"`
	// Mode selects the frp role when storage has none recorded yet.
	Mode string `toml:"mode" mapstructure:"mode"`

	LogLevel string         `toml:"log_level" mapstructure:"log_level"`
	Log      *logger.Config `toml:"log" mapstructure:"log"`

	// TLS, when enabled, serves the bridge API over HTTPS.
	TLS *apitls.Config `toml:"tls" mapstructure:"tls"`

	// StorePath is the SQLite database path. Empty means <workdir>/bridge.db.
	StorePath string `toml:"store_path" mapstructure:"store_path"`

	RPCTimeout   time.Duration `toml:"rpc_timeout" mapstructure:"rpc_timeout"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	Heartbeat    time.Duration `toml:"heartbeat" mapstructure:"heartbeat"`

	// HubURL, when set, connects this bridge as an agent to a central hub,
	// e.g. ws://hub.example:7400/nodes/ws. NodeID defaults to the hostname.
	HubURL   string `toml:"hub_url" mapstructure:"hub_url"`
	NodeID   string `toml:"node_id" mapstructure:"node_id"`
	NodeName string `toml:"node_name" mapstructure:"node_name"`
}

// Load reads the TOML file at path and fills defaults. A missing file is an
// error; a missing path loads pure defaults.
func Load(path string) (FileConfig, error) {
	var fc FileConfig
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fc, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&fc); err != nil {
			return fc, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	fc.applyDefaults()
	return fc, fc.validate()
}

func (fc *FileConfig) applyDefaults() {
	if fc.Listen == "" {
		fc.Listen = "127.0.0.1:7400"
	}
	if fc.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		fc.WorkDir = filepath.Join(home, ".frpbridge")
	}
	if fc.BinDir == "" {
		fc.BinDir = filepath.Join(fc.WorkDir, "bin")
	}
	if fc.StorePath == "" {
		fc.StorePath = filepath.Join(fc.WorkDir, "bridge.db")
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	if fc.HubURL != "" && fc.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			fc.NodeID = host
		}
	}
}

func (fc *FileConfig) validate() error {
	if fc.Mode != "" && fc.Mode != "server" && fc.Mode != "client" {
		return fmt.Errorf("invalid mode %q, want server or client", fc.Mode)
	}
	if fc.RPCTimeout < 0 || fc.PollInterval < 0 || fc.Heartbeat < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}
