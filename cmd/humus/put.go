package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/pkg/core"
)

var (
	putData string
	putRev  string
)

var putCmd = &cobra.Command{
	Use:   "put [id]",
	Short: "Create or update a document",
	Long: `Save a document from a JSON or YAML body given with --data, or read from
stdin when --data is omitted. Updating an existing document requires its
current revision (--rev); a stale revision is rejected as a conflict.
Without an id a key is generated.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data := []byte(putData)
		if putData == "" {
			var err error
			if data, err = io.ReadAll(os.Stdin); err != nil {
				fatal("Failed to read stdin", err)
			}
		}
		body, err := parseBody(data)
		if err != nil {
			fatal("Invalid document", err)
		}

		doc := core.NewDocument()
		if len(args) == 1 {
			doc = core.NewDocumentWithID(args[0])
		}
		if putRev != "" {
			rev, err := core.ParseRevID(putRev)
			if err != nil {
				fatal("Invalid revision", err)
			}
			doc.Rev = rev
		}
		for k, v := range body {
			doc.Set(k, v)
		}

		db, _ := openDB(true)
		defer db.Close()

		rev, err := db.Save(context.Background(), doc)
		if err != nil {
			fatal("Failed to save document", err)
		}
		fmt.Printf("%s %s\n", doc.ID, rev)
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringVarP(&putData, "data", "d", "", "Document body (JSON or YAML)")
	putCmd.Flags().StringVar(&putRev, "rev", "", "Revision the update is based on")
}
