package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corynaegle-ai/swarm-engine/internal/coordinator"
	"github.com/corynaegle-ai/swarm-engine/internal/dispatch"
	"github.com/corynaegle-ai/swarm-engine/internal/engine"
	"github.com/corynaegle-ai/swarm-engine/internal/eventbus"
	"github.com/corynaegle-ai/swarm-engine/internal/gate"
	"github.com/corynaegle-ai/swarm-engine/internal/reaper"
	"github.com/corynaegle-ai/swarm-engine/internal/retry"
	"github.com/corynaegle-ai/swarm-engine/internal/telemetry"
)

var autoApprove bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: claim, dispatch, verify, retry, reap",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&autoApprove, "auto-approve", false,
		"Skip AI review and approve every artifact (development only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "swarmd", Version); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var reviewer gate.Reviewer
	if autoApprove {
		log.Println("serve: --auto-approve set, every artifact will pass review")
		reviewer = approveAll{}
	} else {
		reviewer, err = gate.NewAnthropicReviewer(cfg.Review.APIKey, cfg.Review.Model)
		if err != nil {
			return fmt.Errorf("failed to configure reviewer: %w", err)
		}
	}

	runner, err := dispatch.NewLocalRunner(store, cfg.Worker.Command,
		cfg.Worker.Concurrency, cfg.Heartbeat.Interval)
	if err != nil {
		return fmt.Errorf("failed to configure worker backend: %w", err)
	}
	defer runner.Close()

	eng := engine.New(store, runner, reviewer, engine.Options{
		Coordinator: coordinator.Options{
			Interval:    cfg.Coordinator.Interval,
			BatchSize:   cfg.Coordinator.BatchSize,
			MaxAttempts: cfg.Coordinator.MaxAttempts,
		},
		Reaper: reaper.Options{
			Interval:      cfg.Reaper.Interval,
			StaleAfter:    cfg.Reaper.StaleAfter,
			TicketTimeout: cfg.Reaper.TicketTimeout,
		},
		MaxReviewAttempts: cfg.Review.MaxAttempts,
		Strategies:        cfg.Strategies(retry.DefaultStrategies()),
	})
	eng.Bus().Register(eventbus.HandlerFunc{
		Name: "transition-log",
		Fn: func(_ context.Context, n *eventbus.Notification) error {
			log.Printf("ticket %s: %s (%s -> %s)", n.TicketID, n.EventType, n.OldState, n.NewState)
			return nil
		},
	})

	log.Printf("swarmd %s serving with %s backend", Version, cfg.Storage.Backend)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Println("swarmd: shutting down")
	return nil
}

// approveAll is the --auto-approve reviewer.
type approveAll struct{}

func (approveAll) Review(_ context.Context, _ *gate.ReviewRequest) (*gate.ReviewResult, error) {
	return &gate.ReviewResult{Decision: gate.DecisionApprove, Score: 1.0, Summary: "auto-approved"}, nil
}
