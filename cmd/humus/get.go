package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Read a document",
	Long:  `Read a document by its key and print it as JSON with its _id and _rev.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(false)
		defer db.Close()

		doc, err := db.Get(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading document: %v\n", err)
			os.Exit(1)
		}
		printJSON(documentJSON(doc))
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
