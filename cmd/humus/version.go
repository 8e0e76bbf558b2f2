package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus"
	"github.com/aretw0/humus/pkg/replication"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of humus",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("humus version %s (replication protocol %d)\n", strings.TrimSpace(humus.Version), replication.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
