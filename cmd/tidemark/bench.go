package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-sync/tidemark/internal/loadtest"
	"github.com/tidemark-sync/tidemark/internal/logging"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure commit and read latency under concurrency",
	Long: `Create a scratch store, fill it with notes, then run concurrent writers
incrementing counters and concurrent readers loading notes. Every write
goes through the commit pipeline and is captured for sync.

Examples:
  tidemark bench
  tidemark bench --notes 5000 --writers 16 --readers 64`,
	Run: func(cmd *cobra.Command, args []string) {
		notes, _ := cmd.Flags().GetInt("notes")
		writers, _ := cmd.Flags().GetInt("writers")
		readers, _ := cmd.Flags().GetInt("readers")
		ops, _ := cmd.Flags().GetInt("ops")
		if notes <= 0 || writers <= 0 || readers <= 0 || ops <= 0 {
			fatal("--notes, --writers, --readers and --ops must be positive")
		}

		dir, err := os.MkdirTemp("", "tidemark-bench-")
		if err != nil {
			fatal("%v", err)
		}
		defer os.RemoveAll(dir)

		logger, _ := logging.New(logOptions("warn"))
		ctx := context.Background()
		fmt.Printf("%s Populating %d notes...\n", renderAccent("→"), notes)
		fx, err := loadtest.CreateFixture(ctx, dir, notes, logger)
		if err != nil {
			fatal("%v", err)
		}
		defer fx.Close()

		writes, err := fx.RunConcurrentCommits(ctx, writers, ops)
		if err != nil {
			fatal("%v", err)
		}
		reads, err := fx.RunConcurrentReads(ctx, readers, ops)
		if err != nil {
			fatal("%v", err)
		}
		total, err := fx.TotalViews(ctx)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]any{"commits": writes, "reads": reads, "total_views": total})
			return
		}
		fmt.Printf("\n%s (%d writers x %d)\n", renderAccent("Commits"), writers, ops)
		writes.Print(os.Stdout)
		fmt.Printf("\n%s (%d readers x %d)\n", renderAccent("Reads"), readers, ops)
		reads.Print(os.Stdout)

		if want := int64(writes.Operations); total != want {
			fmt.Printf("\n%s %d increments committed, %d counted\n", renderFail("✗"), want, total)
			os.Exit(1)
		}
		fmt.Printf("\n%s No lost increments\n", renderPass("✓"))
	},
}

func init() {
	benchCmd.Flags().Int("notes", 1000, "Notes in the scratch store")
	benchCmd.Flags().Int("writers", 8, "Concurrent writers")
	benchCmd.Flags().Int("readers", 32, "Concurrent readers")
	benchCmd.Flags().Int("ops", 50, "Operations per writer and reader")
	rootCmd.AddCommand(benchCmd)
}
