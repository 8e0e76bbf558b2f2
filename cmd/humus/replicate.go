package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/internal/platform"
	"github.com/aretw0/humus/pkg/replication"
)

var (
	replDirection  string
	replContinuous bool
	replFilter     string
	replBatchSize  int
)

var replicateCmd = &cobra.Command{
	Use:   "replicate [target|url]",
	Short: "Replicate with another database",
	Long: `Replicate with a target named in humus.yaml or with a websocket URL
(ws://host:5984/db). One-shot sessions exit once both sides are in sync;
--continuous keeps following changes until interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, cfg := openDB(true)
		defer db.Close()

		target, ok := cfg.Target(args[0])
		if !ok {
			target = platform.Target{Name: args[0], URL: args[0]}
		}
		if cmd.Flags().Changed("direction") {
			target.Direction = replDirection
		}
		if cmd.Flags().Changed("continuous") {
			target.Continuous = replContinuous
		}
		if cmd.Flags().Changed("filter") {
			target.Filter = replFilter
		}
		if cmd.Flags().Changed("batch-size") {
			target.BatchSize = replBatchSize
		}

		config, err := target.ReplicationConfig(slog.Default())
		if err != nil {
			fatal("Invalid replication settings", err)
		}
		r, err := replication.New(db, config)
		if err != nil {
			fatal("Failed to prepare replication", err)
		}
		r.AddChangeListener(func(st replication.Status) {
			slog.Debug("replication status", "status", st.String())
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := r.Start(ctx); err != nil {
			fatal("Failed to start replication", err)
		}
		err = r.Wait(ctx)
		if ctx.Err() != nil {
			_ = r.Stop(context.Background())
			err = nil
		}

		st := r.Status()
		fmt.Printf("%s: pushed %d, pulled %d, conflicts %d\n", target.Name, st.Pushed, st.Pulled, st.Conflicts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Replication failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(replicateCmd)
	replicateCmd.Flags().StringVar(&replDirection, "direction", "both", "push, pull or both")
	replicateCmd.Flags().BoolVar(&replContinuous, "continuous", false, "Keep replicating until interrupted")
	replicateCmd.Flags().StringVar(&replFilter, "filter", "", "Only replicate keys matching this pattern")
	replicateCmd.Flags().IntVar(&replBatchSize, "batch-size", 0, "Revisions per batch")
}
