// Command swarmd runs the swarm ticket execution engine and its operator
// tooling: serve runs the engine loops, ingest loads ticket manifests, and
// the remaining subcommands inspect or steer individual tickets.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corynaegle-ai/swarm-engine/internal/config"
	"github.com/corynaegle-ai/swarm-engine/internal/storage"
	"github.com/corynaegle-ai/swarm-engine/internal/storage/mysql"
	"github.com/corynaegle-ai/swarm-engine/internal/storage/sqlite"
)

// Version and Build are set at link time.
var (
	Version = "dev"
	Build   = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "swarmd - ticket execution engine",
	Long: `Dependency-aware ticket execution engine: atomic claiming, heartbeat
liveness, classified retries, and a verification gate in front of done.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("swarmd version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./swarm.yaml)")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// loadConfig reads the config named by --config or the default search path.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openStore opens the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendMySQL:
		return mysql.New(ctx, cfg.Storage.DSN)
	default:
		return sqlite.New(ctx, cfg.Storage.Path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
