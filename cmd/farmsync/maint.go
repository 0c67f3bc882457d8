package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/jsonl"
	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/ui"
)

var purgeCmd = &cobra.Command{
	Use:     "purge <table> <id>",
	GroupID: "maint",
	Short:   "Physically remove an acknowledged tombstone",
	Long: `Remove a deleted record from the store for good. Only tombstones the server
has acknowledged can be purged; anything else is refused so the deletion is
not lost before it reaches the server.`,
	Args: cobra.ExactArgs(2),
	Run:  runPurge,
}

var gcCmd = &cobra.Command{
	Use:     "gc",
	GroupID: "maint",
	Short:   "Purge all acknowledged tombstones older than a cutoff",
	Run:     runGC,
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Export records as JSON lines",
	Long: `Write one JSON object per record, tables in registry order. Without a file
the records go to stdout.

Examples:
  farmsync export backup.jsonl
  farmsync export --table animals --table batches
  farmsync export --dirty --deleted pending.jsonl`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import records from JSON lines",
	Long: `Apply a JSON lines file in one transaction. New ids are created, live
records have their fields replaced, tombstone lines delete existing records.
Imported changes are pushed on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	gcCmd.Flags().Duration("older-than", 30*24*time.Hour, "Only purge tombstones deleted longer ago than this")

	exportCmd.Flags().StringSlice("table", nil, "Tables to export (default: all)")
	exportCmd.Flags().Bool("deleted", false, "Include tombstones")
	exportCmd.Flags().Bool("dirty", false, "Only records with unsynced changes")

	importCmd.Flags().Bool("dry-run", false, "Report what would change without writing")

	rootCmd.AddCommand(purgeCmd, gcCmd, exportCmd, importCmd)
}

func runPurge(cmd *cobra.Command, args []string) {
	table, id := args[0], args[1]
	store := openStore()
	defer store.Close()

	err := store.Update(context.Background(), func(tx *db.Tx) error {
		rec, err := tx.Find(table, id)
		if err != nil {
			return err
		}
		return tx.Purge(rec)
	})
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s Purged %s/%s\n", ui.RenderPass("✓"), table, ui.RenderAccent(id))
}

func runGC(cmd *cobra.Command, args []string) {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan < 0 {
		fatalf("--older-than cannot be negative")
	}

	store := openStore()
	defer store.Close()

	var purged int
	err := store.Update(context.Background(), func(tx *db.Tx) error {
		var err error
		purged, err = tx.PurgeTombstones(store.Now().Add(-olderThan))
		return err
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(map[string]int{"purged": purged})
		return
	}
	fmt.Printf("%s Purged %s\n", ui.RenderPass("✓"), ui.Count(purged, "tombstone"))
}

func runExport(cmd *cobra.Command, args []string) {
	tables, _ := cmd.Flags().GetStringSlice("table")
	deleted, _ := cmd.Flags().GetBool("deleted")
	dirty, _ := cmd.Flags().GetBool("dirty")
	opts := jsonl.ExportOptions{Tables: tables, IncludeDeleted: deleted, DirtyOnly: dirty}

	store := openStore()
	defer store.Close()
	ctx := context.Background()

	var (
		result *jsonl.ExportResult
		err    error
	)
	if len(args) == 0 {
		result, err = jsonl.Export(ctx, store, os.Stdout, opts)
	} else {
		result, err = jsonl.ExportFile(ctx, store, args[0], opts)
	}
	if err != nil {
		fatalf("%v", err)
	}
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "%s Exported %s to %s\n", ui.RenderPass("✓"), ui.Count(result.Records, "record"), args[0])
	}
}

func runImport(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store := openStore()
	defer store.Close()

	result, err := jsonl.ImportFile(context.Background(), store, args[0], jsonl.ImportOptions{DryRun: dryRun})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(result)
		return
	}
	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	fmt.Printf("%s %s: %d created, %d updated, %d deleted, %d skipped\n",
		ui.RenderPass("✓"), verb, result.Created, result.Updated, result.Deleted, result.Skipped)
}
