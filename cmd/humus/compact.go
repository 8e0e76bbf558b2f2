package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim space",
	Long: `Remove tombstones every replication peer has already received, then blobs
no revision references, then compact the store files.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(true)
		defer db.Close()

		stats, err := db.Compact(context.Background())
		if err != nil {
			fatal("Failed to compact", err)
		}
		fmt.Printf("Compacted: %d tombstones, %d blobs removed.\n", stats.Tombstones, stats.Blobs)
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
