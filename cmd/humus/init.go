package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a new database",
	Long:  `Create the database directory, its store files and a default humus.yaml.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}

		root, err := humus.Init(path,
			humus.WithLogger(slog.Default()),
			humus.WithDevSafety(false),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Initialized humus database in %s\n", root)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
