package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	changesSince uint64
	changesLimit int
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List the change feed",
	Long:  `List the latest change of every key, in sequence order, after --since.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(false)
		defer db.Close()

		changes, err := db.Changes(context.Background(), changesSince, changesLimit)
		if err != nil {
			fatal("Failed to read changes", err)
		}
		for _, c := range changes {
			state := ""
			if c.Deleted {
				state = " (deleted)"
			}
			fmt.Printf("%d\t%s\t%s%s\n", c.Seq, c.Key, c.Rev, state)
		}
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().Uint64Var(&changesSince, "since", 0, "Only list changes after this sequence")
	changesCmd.Flags().IntVar(&changesLimit, "limit", 0, "Maximum number of changes (0 for all)")
}
