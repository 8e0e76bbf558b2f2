package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a document",
	Long:  `Delete a document. A tombstone revision is recorded so the deletion replicates.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(true)
		defer db.Close()

		rev, err := db.Delete(context.Background(), args[0])
		if err != nil {
			fatal("Failed to delete document", err)
		}
		fmt.Printf("Document '%s' deleted (%s).\n", args[0], rev)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
