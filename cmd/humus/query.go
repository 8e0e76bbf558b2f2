package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/pkg/query"
)

var explainOnly bool

var queryCmd = &cobra.Command{
	Use:   "query [statement]",
	Short: "Run a query",
	Long: `Run a query and print one JSON object per row.

  humus query "SELECT _id, title FROM database WHERE done = false ORDER BY title"
  humus query "SELECT * FROM database WHERE body MATCH 'buy milk' LIMIT 5"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		q, err := query.Parse(strings.Join(args, " "))
		if err != nil {
			fatal("Invalid query", err)
		}

		db, _ := openDB(false)
		defer db.Close()

		plan, err := query.Compile(db, q)
		if err != nil {
			fatal("Failed to compile query", err)
		}
		if explainOnly {
			fmt.Println(plan.Explain())
			return
		}

		rows, err := plan.Run(context.Background())
		if err != nil {
			fatal("Failed to run query", err)
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			printJSON(rows.Row().Map())
			n++
		}
		if err := rows.Err(); err != nil {
			fatal("Query failed", err)
		}
		fmt.Printf("(%d rows)\n", n)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().BoolVar(&explainOnly, "explain", false, "Print the query plan instead of running it")
}
