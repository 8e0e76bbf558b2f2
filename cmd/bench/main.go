package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/humus"
	"github.com/aretw0/humus/pkg/core"
	"github.com/aretw0/humus/pkg/index"
	"github.com/aretw0/humus/pkg/query"
)

var words = []string{"alpha", "beta", "gamma", "delta", "report", "groceries", "plumber", "present", "quarterly", "garden"}

func main() {
	count := flag.Int("count", 10000, "Number of documents to generate")
	batchSize := flag.Int("batch", 500, "Documents per batch")
	keep := flag.Bool("keep", false, "Keep the benchmark database after running")
	flag.Parse()

	benchDir, err := os.MkdirTemp("", "humus_bench_")
	if err != nil {
		panic(err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := humus.Open(benchDir, humus.WithLogger(logger), humus.WithDevSafety(false))
	if err != nil {
		panic(err)
	}
	defer db.Close()
	ctx := context.Background()

	fmt.Printf("Generating %d documents in %s...\n", *count, benchDir)
	start := time.Now()
	for i := 0; i < *count; i += *batchSize {
		err := db.RunBatch(ctx, func(ctx context.Context, b core.Batch) error {
			for j := i; j < i+*batchSize && j < *count; j++ {
				doc := core.NewDocumentWithID(fmt.Sprintf("doc/%06d", j)).
					Set("n", j%100).
					Set("text", fmt.Sprintf("%s %s %d", words[j%len(words)], words[(j/7)%len(words)], j))
				if _, err := b.Save(ctx, doc); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			panic(err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("Load took: %v (%.0f docs/s)\n", elapsed, float64(*count)/elapsed.Seconds())

	queries := []string{
		`SELECT _id FROM database WHERE n = 42`,
		`SELECT _id FROM database WHERE n >= 10 AND n < 20`,
		`SELECT _id FROM database WHERE text MATCH 'quarterly report'`,
	}

	fmt.Println("Running queries (scan)...")
	scan := run(ctx, db, queries)

	start = time.Now()
	for _, spec := range []index.Spec{
		index.ValueIndex("byN", "n"),
		index.FullTextIndex("text", "text", index.TokenizerOptions{}),
	} {
		if _, err := db.DefineIndex(ctx, spec); err != nil {
			panic(err)
		}
	}
	fmt.Printf("Index backfill took: %v\n", time.Since(start))

	fmt.Println("Running queries (indexed)...")
	indexed := run(ctx, db, queries)

	for i, q := range queries {
		if scan[i] != indexed[i] {
			fmt.Printf("WARNING: %q returned %d rows by scan and %d with indexes\n", q, scan[i], indexed[i])
		}
	}
}

func run(ctx context.Context, db *humus.Store, queries []string) []int {
	counts := make([]int, len(queries))
	for i, text := range queries {
		q, err := query.Parse(text)
		if err != nil {
			panic(err)
		}
		start := time.Now()
		rs, err := query.Run(ctx, db, q)
		if err != nil {
			// Full-text predicates need their index.
			fmt.Printf("  %-60s %v\n", text, err)
			counts[i] = -1
			continue
		}
		rows, err := rs.All()
		if err != nil {
			panic(err)
		}
		counts[i] = len(rows)
		fmt.Printf("  %-60s %6d rows in %v\n", text, len(rows), time.Since(start))
	}
	return counts
}
