package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/humus"
	"github.com/aretw0/humus/internal/platform"
	"github.com/aretw0/humus/pkg/core"
)

var (
	verbose  bool
	dbPath   string
	readOnly bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "humus",
	Short: "An embedded document database with indexes, queries and replication",
	Long: `Humus stores revisioned JSON-like documents in goleveldb.
It maintains value and full-text indexes, answers declarative queries and
replicates with other humus databases over websocket.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database root (defaults to the nearest root above the working directory)")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "Open the database read-only")
}

// findRoot returns --db or the nearest database root above the working
// directory.
func findRoot() string {
	if dbPath != "" {
		return dbPath
	}
	cwd, err := os.Getwd()
	if err != nil {
		fatal("Failed to get CWD", err)
	}
	root, err := humus.FindRoot(cwd)
	if err != nil {
		fatal("No database found (run `humus init`)", err)
	}
	return root
}

// openDB opens the database the command works on, applying humus.yaml.
func openDB(writable bool) (*humus.Store, *platform.Config) {
	root := findRoot()
	cfg, err := platform.LoadConfig(root)
	if err != nil {
		fatal("Failed to load config", err)
	}
	opts := append(cfg.Options(),
		humus.WithLogger(slog.Default()),
		humus.WithMustExist(true),
		humus.WithDevSafety(false),
		humus.WithReadOnly(readOnly && !writable),
	)
	if readOnly && writable {
		fatal("Cannot run this command", core.ErrReadOnly)
	}
	db, err := humus.Open(root, opts...)
	if err != nil {
		fatal("Failed to open database", err)
	}
	return db, cfg
}

// parseBody reads a document body. YAML is a superset of JSON, and keeps
// integers apart from floats.
func parseBody(data []byte) (map[string]any, error) {
	var body map[string]any
	if err := yaml.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse document body: %w", err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// printJSON writes v as indented JSON on stdout.
func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fatal("Error encoding JSON", err)
	}
}

// documentJSON flattens a document with its key and revision.
func documentJSON(doc *core.Document) map[string]any {
	out := map[string]any{"_id": doc.ID, "_rev": string(doc.Rev)}
	if fields, ok := doc.Body().Interface().(map[string]any); ok {
		for k, v := range fields {
			out[k] = v
		}
	}
	return out
}
