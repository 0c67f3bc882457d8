package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/localdb/loadtest"
	"github.com/fieldmark/farmsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure local store read latency under concurrent load",
	Long: `Create a scratch store with synthetic animals and batches, then run
concurrent readers against it, optionally alongside a writer.

The scratch store lives in a temporary directory and is removed afterwards;
your own store is never touched.

Examples:
  # 5000 animals, 50 readers, with a concurrent writer
  farmsync bench --animals 5000 --readers 50 --writer

  # Check readers never see partial transactions for 10s
  farmsync bench --verify 10s`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("animals", 2000, "Number of animals in the scratch store")
	benchCmd.Flags().Int("readers", 20, "Number of concurrent readers")
	benchCmd.Flags().Int("queries", 50, "Queries per reader")
	benchCmd.Flags().Float64("synced", 0.7, "Share of animals inserted as already synced (0.0-1.0)")
	benchCmd.Flags().Bool("writer", false, "Run a concurrent writer while reading")
	benchCmd.Flags().Duration("verify", 0, "Run a consistency check for this long instead of a benchmark")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	animals, _ := cmd.Flags().GetInt("animals")
	readers, _ := cmd.Flags().GetInt("readers")
	queries, _ := cmd.Flags().GetInt("queries")
	synced, _ := cmd.Flags().GetFloat64("synced")
	writer, _ := cmd.Flags().GetBool("writer")
	verify, _ := cmd.Flags().GetDuration("verify")

	if animals <= 0 {
		fatalf("--animals must be positive")
	}
	if readers <= 0 {
		fatalf("--readers must be positive")
	}
	if queries <= 0 {
		fatalf("--queries must be positive")
	}
	if synced < 0 || synced > 1 {
		fatalf("--synced must be between 0.0 and 1.0")
	}

	dir, err := os.MkdirTemp("", "farmsync-bench")
	if err != nil {
		fatalf("%v", err)
	}
	defer os.RemoveAll(dir)

	fmt.Printf("Creating scratch store with %d animals...\n", animals)
	start := time.Now()
	ts, err := loadtest.CreateTestStore(filepath.Join(dir, "bench.db"), animals, synced)
	if err != nil {
		fatalf("%v", err)
	}
	defer ts.Close()
	fmt.Printf("Populated %d animals in %d batches in %s\n\n",
		len(ts.AnimalIDs), len(ts.BatchIDs), time.Since(start).Round(time.Millisecond))

	if verify > 0 {
		fmt.Printf("Checking consistency with %d readers for %s...\n", readers, verify)
		if err := ts.VerifyConsistency(readers, verify); err != nil {
			ts.Close()
			os.RemoveAll(dir)
			fatalf("consistency check failed: %v", err)
		}
		fmt.Printf("%s No reader saw a partial state\n", ui.RenderPass("✓"))
		return
	}

	fmt.Printf("Running %d readers x %d queries (writer: %v)...\n\n", readers, queries, writer)
	report, err := ts.RunConcurrentReads(readers, queries, writer)
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(map[string]any{
			"animals":      animals,
			"readers":      readers,
			"queries":      report.Reads.TotalQueries,
			"errors":       report.Reads.Errors,
			"min_ms":       report.Reads.Min.Seconds() * 1000,
			"p50_ms":       report.Reads.P50.Seconds() * 1000,
			"mean_ms":      report.Reads.Mean.Seconds() * 1000,
			"p95_ms":       report.Reads.P95.Seconds() * 1000,
			"p99_ms":       report.Reads.P99.Seconds() * 1000,
			"max_ms":       report.Reads.Max.Seconds() * 1000,
			"commits":      report.Commits,
			"write_errors": report.WriteErrors,
			"elapsed_ms":   report.Elapsed.Milliseconds(),
		})
		return
	}

	report.Reads.Print(os.Stdout)
	qps := float64(report.Reads.TotalQueries) / report.Elapsed.Seconds()
	fmt.Printf("\nThroughput: %.0f queries/s over %s\n", qps, report.Elapsed.Round(time.Millisecond))
	if writer {
		fmt.Printf("Writer:     %d commits, %d errors\n", report.Commits, report.WriteErrors)
	}
	if report.Reads.Errors > 0 || report.WriteErrors > 0 {
		fmt.Fprintf(os.Stderr, "%s errors during the run\n", ui.RenderWarn("⚠"))
		os.Exit(1)
	}
}
