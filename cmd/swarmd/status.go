package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [ticket-id]",
	Short: "Show queue statistics, or one ticket's state and event history",
	Args:  cobra.MaximumNArgs(1),
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
		ctx := cmd.Context()

		if len(args) == 1 {
			ticket, err := store.GetTicket(ctx, args[0])
			if err != nil {
				return err
			}
			events, err := store.GetEvents(ctx, args[0], 0)
			if err != nil {
				return err
			}
			if statusJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"ticket": ticket, "events": events,
				})
			}

			fmt.Printf("%s  %s  [%s]  priority=%d  retries=%d  reviews=%d\n",
				ticket.ID, ticket.Title, ticket.State, ticket.Priority,
				ticket.RetryCount, ticket.ReviewAttempts)
			if ticket.Assignee != "" {
				fmt.Printf("  assignee: %s\n", ticket.Assignee)
			}
			if ticket.HoldReason != "" {
				fmt.Printf("  reason: %s\n", ticket.HoldReason)
			}
			for _, fb := range ticket.ReviewFeedback {
				fmt.Printf("  feedback[%d] %s %s: %s\n", fb.Attempt, fb.Severity, fb.Location, fb.Message)
			}
			fmt.Println("events:")
			for _, ev := range events {
				fmt.Printf("  %s  %-24s %s -> %s\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType, ev.OldState, ev.NewState)
			}
			return nil
		}

		stats, err := store.GetStatistics(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "total\t%d\n", stats.Total)
		fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
		fmt.Fprintf(w, "blocked\t%d\n", stats.Blocked)
		fmt.Fprintf(w, "ready\t%d\n", stats.Ready)
		fmt.Fprintf(w, "in_progress\t%d\n", stats.InProgress)
		fmt.Fprintf(w, "verifying\t%d\n", stats.Verifying)
		fmt.Fprintf(w, "done\t%d\n", stats.Done)
		fmt.Fprintf(w, "on_hold\t%d\n", stats.OnHold)
		fmt.Fprintf(w, "needs_review\t%d\n", stats.NeedsReview)
		fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}
