package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <ticket-id>",
	Short: "Terminally cancel a ticket; late worker reports are dropped",
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

		if err := store.Cancel(cmd.Context(), args[0], cancelReason); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <ticket-id>",
	Short: "Return an on_hold or needs_review ticket to the ready pool",
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

		if err := store.Requeue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}

var retryNowCmd = &cobra.Command{
	Use:   "retry-now <ticket-id>",
	Short: "Clear a ready ticket's backoff window so it is claimable immediately",
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

		if err := store.ExpediteRetry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cleared backoff for %s\n", args[0])
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "operator cancel", "Reason recorded in the event log")
	rootCmd.AddCommand(cancelCmd, requeueCmd, retryNowCmd)
}
