package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corynaegle-ai/swarm-engine/internal/ingest"
	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <manifest.yaml>",
	Short: "Load a ticket batch from a YAML manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		tickets, err := ingest.IngestFile(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}

		ready := 0
		for _, tk := range tickets {
			if tk.State == types.StateReady {
				ready++
			}
		}
		fmt.Printf("Ingested %d tickets (%d ready, %d blocked)\n",
			len(tickets), ready, len(tickets)-ready)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
