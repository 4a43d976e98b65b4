// Copyright 2025 ProxyFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses PROXYFS_CONFIG_DIR env var if set, otherwise defaults to
// ~/.proxyfs. Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("PROXYFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".proxyfs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// Config holds the proxy daemon configuration.
type Config struct {
	ServerHost string `yaml:"server_host"` // origin server host
	ServerPort int    `yaml:"server_port"` // origin server port
	Listen     string `yaml:"listen"`      // client-facing listen address
	CacheDir   string `yaml:"cache_dir"`   // local cache directory
	Capacity   int64  `yaml:"capacity"`    // cache capacity in bytes
	LogLevel   string `yaml:"log_level"`   // trace, debug, info, warn, none
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.ServerHost == "" {
		cfg.ServerHost = "127.0.0.1"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 9090
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9091"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(getConfigDir(), "cache")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1 << 30 // 1 GiB
	}
}

// ServerAddr returns the origin server dial address.
func (cfg *Config) ServerAddr() string {
	return net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
}

// LoadConfig loads the proxy config from path. A missing file yields the
// defaults; a malformed one is an error.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
