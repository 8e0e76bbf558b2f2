package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/internal/platform"
	"github.com/aretw0/humus/pkg/index"
)

var (
	indexKind      string
	indexPaths     []string
	indexStopWords []string
	indexPersist   bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexes",
}

var indexDefineCmd = &cobra.Command{
	Use:   "define [name]",
	Short: "Define an index and backfill it",
	Long: `Define a value index over one or more field paths, or a full-text index
over a single text field. Defining an identical index again is a no-op.
With --persist the definition is also recorded in humus.yaml.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		spec := index.Spec{Name: args[0], Kind: index.Kind(indexKind), Paths: indexPaths}
		if spec.Kind == index.KindFullText && indexStopWords != nil {
			spec.Tokenizer.StopWords = indexStopWords
		}
		if err := spec.Validate(); err != nil {
			fatal("Invalid index", err)
		}

		db, cfg := openDB(true)
		defer db.Close()

		if _, err := db.DefineIndex(context.Background(), spec); err != nil {
			fatal("Failed to define index", err)
		}
		fmt.Printf("Index %s defined.\n", spec)

		if indexPersist {
			cfg.Indexes = slices.DeleteFunc(cfg.Indexes, func(s index.Spec) bool { return s.Name == spec.Name })
			cfg.Indexes = append(cfg.Indexes, spec)
			if err := platform.SaveConfig(findRoot(), cfg); err != nil {
				fatal("Failed to update config", err)
			}
		}
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop [name]",
	Short: "Drop an index and its entries",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, cfg := openDB(true)
		defer db.Close()

		if err := db.DropIndex(context.Background(), args[0]); err != nil {
			fatal("Failed to drop index", err)
		}
		fmt.Printf("Index %s dropped.\n", args[0])

		n := len(cfg.Indexes)
		cfg.Indexes = slices.DeleteFunc(cfg.Indexes, func(s index.Spec) bool { return s.Name == args[0] })
		if len(cfg.Indexes) != n {
			if err := platform.SaveConfig(findRoot(), cfg); err != nil {
				fatal("Failed to update config", err)
			}
		}
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List index definitions",
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(false)
		defer db.Close()

		for _, spec := range db.Indexes() {
			fmt.Println(spec)
		}
	},
}

var indexVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check index entries against the documents",
	Long: `Recompute the index entries of every document and compare them with the
stored ones. Mismatches are repaired by reindex.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(false)
		defer db.Close()

		mismatches, err := db.Verify(context.Background())
		if err != nil {
			fatal("Failed to verify indexes", err)
		}
		for _, m := range mismatches {
			fmt.Println(m)
		}
		if len(mismatches) > 0 {
			fmt.Fprintf(os.Stderr, "%d index mismatches found; run `humus index reindex`\n", len(mismatches))
			os.Exit(1)
		}
		fmt.Println("Indexes are consistent.")
	},
}

var indexReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild every index from the documents",
	Run: func(cmd *cobra.Command, args []string) {
		db, _ := openDB(true)
		defer db.Close()

		if err := db.Reindex(context.Background()); err != nil {
			fatal("Failed to reindex", err)
		}
		fmt.Println("Indexes rebuilt.")
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexDefineCmd, indexDropCmd, indexListCmd, indexVerifyCmd, indexReindexCmd)

	indexDefineCmd.Flags().StringVarP(&indexKind, "kind", "k", string(index.KindValue), "Index kind (value or fulltext)")
	indexDefineCmd.Flags().StringSliceVarP(&indexPaths, "path", "p", nil, "Field path (repeat for compound value indexes)")
	indexDefineCmd.Flags().StringSliceVar(&indexStopWords, "stop-words", nil, "Stop words of a full-text index")
	indexDefineCmd.Flags().BoolVar(&indexPersist, "persist", false, "Record the definition in humus.yaml")
	indexDefineCmd.MarkFlagRequired("path")
}
