package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/pkg/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database state",
	Long:  `Print the store state, the number of live documents and the replication checkpoints as JSON.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(false)
		defer db.Close()

		ctx := context.Background()
		count, err := db.Count(ctx)
		if err != nil {
			fatal("Failed to count documents", err)
		}
		checkpoints, err := db.Checkpoints(ctx)
		if err != nil {
			fatal("Failed to read checkpoints", err)
		}

		printJSON(struct {
			Store       any               `json:"store"`
			Documents   int               `json:"documents"`
			Checkpoints []core.Checkpoint `json:"checkpoints"`
		}{db.State(), count, checkpoints})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
