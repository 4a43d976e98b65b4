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

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"proxyfs/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the caching proxy daemon",
	Long: `Runs the caching proxy in the foreground.

Configuration is read from the config file (default
~/.proxyfs/config.yaml, override the directory with
PROXYFS_CONFIG_DIR); flags take precedence over the file.

Examples:
  # Proxy for an origin on another host, 100 MB cache
  proxyfs proxy --server-host fileserver --server-port 9090 \
      --cache-dir /var/cache/proxyfs --capacity 104857600`,
	Args: cobra.NoArgs,
	RunE: runProxy,
}

var (
	proxyConfigPath string
	proxyServerHost string
	proxyServerPort int
	proxyListen     string
	proxyCacheDir   string
	proxyCapacity   int64
	proxyLogLevel   string
)

func init() {
	proxyCmd.Flags().StringVar(&proxyConfigPath, "config", "", "Config file path (default: $PROXYFS_CONFIG_DIR/config.yaml)")
	proxyCmd.Flags().StringVar(&proxyServerHost, "server-host", "", "Origin server host")
	proxyCmd.Flags().IntVar(&proxyServerPort, "server-port", 0, "Origin server port")
	proxyCmd.Flags().StringVar(&proxyListen, "listen", "", "Client-facing listen address")
	proxyCmd.Flags().StringVar(&proxyCacheDir, "cache-dir", "", "Cache directory")
	proxyCmd.Flags().Int64Var(&proxyCapacity, "capacity", 0, "Cache capacity in bytes")
	proxyCmd.Flags().StringVar(&proxyLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	if err := proxy.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	configPath := proxyConfigPath
	if configPath == "" {
		configPath = proxy.DefaultConfigPath()
	}
	cfg, err := proxy.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if proxyServerHost != "" {
		cfg.ServerHost = proxyServerHost
	}
	if proxyServerPort != 0 {
		cfg.ServerPort = proxyServerPort
	}
	if proxyListen != "" {
		cfg.Listen = proxyListen
	}
	if proxyCacheDir != "" {
		cfg.CacheDir = proxyCacheDir
	}
	if proxyCapacity != 0 {
		cfg.Capacity = proxyCapacity
	}
	if proxyLogLevel != "" {
		cfg.LogLevel = proxyLogLevel
	}
	setupLogging(cfg.LogLevel)

	return proxy.New(cfg).Run(context.Background())
}
