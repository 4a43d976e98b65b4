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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"proxyfs/internal/origin"
	"proxyfs/internal/rpc"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the origin file server",
	Long: `Runs the authoritative origin server in the foreground.

The server exports the files under --root and tracks a strictly
increasing version per path. With --db, versions are persisted so they
stay monotone across restarts.

Examples:
  proxyfs server --root /srv/files --listen 0.0.0.0:9090 \
      --db /srv/files.versions.db`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

var (
	serverListen string
	serverRoot   string
	serverDB     string
	serverLog    string
)

func init() {
	serverCmd.Flags().StringVar(&serverListen, "listen", "127.0.0.1:9090", "Listen address")
	serverCmd.Flags().StringVar(&serverRoot, "root", "", "Export root directory (required)")
	serverCmd.Flags().StringVar(&serverDB, "db", "", "Version database path (default: in-memory versions)")
	serverCmd.Flags().StringVar(&serverLog, "logging", "", "Log level: trace, debug, info, warn, none")
	serverCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	setupLogging(serverLog)

	if err := os.MkdirAll(serverRoot, 0755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	var db *origin.VersionDB
	if serverDB != "" {
		var err error
		db, err = origin.OpenVersionDB(serverDB)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	store, err := origin.NewStore(osfs.New(serverRoot), db)
	if err != nil {
		return err
	}
	srv := rpc.NewServer(store)
	if err := srv.Start(serverListen); err != nil {
		return err
	}
	defer srv.Stop()
	log.Infof("origin: serving %s from %s", srv.Addr(), serverRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("origin: received signal %v, shutting down", sig)
	return nil
}
