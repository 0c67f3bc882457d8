package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/farmsync/internal/localdb/db"
	"github.com/fieldmark/farmsync/internal/localdb/schema"
	"github.com/fieldmark/farmsync/internal/ui"
)

var createCmd = &cobra.Command{
	Use:     "create <table> [column=value...]",
	GroupID: "records",
	Short:   "Create a record",
	Long: `Create a record in the local store. It is pushed on the next sync.

Values that parse as JSON (numbers, true/false, null, objects) are stored as
such; anything else is stored as text.

Examples:
  farmsync create animals internalCode=PQ-001 sex=male birthDate=2024-01-01
  farmsync create batches --id b-7 code=L-7 facilityId=f1`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCreate,
}

var updateCmd = &cobra.Command{
	Use:     "update <table> <id> column=value...",
	GroupID: "records",
	Short:   "Change fields of a record",
	Args:    cobra.MinimumNArgs(3),
	Run:     runUpdate,
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <id>",
	GroupID: "records",
	Short:   "Soft-delete a record",
	Long: `Mark a record as deleted. The tombstone is pushed on the next sync and
can be purged once the server has acknowledged it.`,
	Args: cobra.ExactArgs(2),
	Run:  runDelete,
}

var getCmd = &cobra.Command{
	Use:     "get <table> <id>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(2),
	Run:     runGet,
}

var listCmd = &cobra.Command{
	Use:     "list <table>",
	GroupID: "records",
	Short:   "List records of a table",
	Long: `List records of a table in creation order.

Examples:
  farmsync list animals --where sex=female
  farmsync list animals --changed-since "2 days ago"
  farmsync list feed_movements --dirty --json`,
	Args: cobra.ExactArgs(1),
	Run:  runList,
}

func init() {
	createCmd.Flags().String("id", "", "Record id (default: random UUID)")

	listCmd.Flags().StringArray("where", nil, "Filter column=value (repeatable)")
	listCmd.Flags().String("changed-since", "", "Only records updated since (RFC3339, date, duration or phrase)")
	listCmd.Flags().Bool("dirty", false, "Only records with unsynced changes")
	listCmd.Flags().Bool("deleted", false, "Include tombstones")
	listCmd.Flags().Int("limit", 0, "Maximum number of records")

	rootCmd.AddCommand(createCmd, updateCmd, deleteCmd, getCmd, listCmd)
}

func runCreate(cmd *cobra.Command, args []string) {
	id, _ := cmd.Flags().GetString("id")
	fields, err := parseAssignments(args[1:])
	if err != nil {
		fatalf("%v", err)
	}

	store := openStore()
	defer store.Close()

	var rec *db.Record
	err = store.Update(context.Background(), func(tx *db.Tx) error {
		var err error
		rec, err = tx.Create(args[0], func(r *db.Record) {
			r.ID = id
			r.Fields = fields
		})
		return err
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(rec)
		return
	}
	fmt.Printf("%s Created %s/%s\n", ui.RenderPass("✓"), rec.Table, ui.RenderAccent(rec.ID))
}

func runUpdate(cmd *cobra.Command, args []string) {
	table, id := args[0], args[1]
	changes, err := parseAssignments(args[2:])
	if err != nil {
		fatalf("%v", err)
	}

	store := openStore()
	defer store.Close()

	var rec *db.Record
	err = store.Update(context.Background(), func(tx *db.Tx) error {
		current, err := tx.Find(table, id)
		if err != nil {
			return err
		}
		rec, err = tx.Update(current, func(f schema.Fields) {
			for k, v := range changes {
				f[k] = v
			}
		})
		return err
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(rec)
		return
	}
	fmt.Printf("%s Updated %s/%s (%s)\n", ui.RenderPass("✓"), table, ui.RenderAccent(id), rec.SyncStatus)
}

func runDelete(cmd *cobra.Command, args []string) {
	table, id := args[0], args[1]
	store := openStore()
	defer store.Close()

	var rec *db.Record
	err := store.Update(context.Background(), func(tx *db.Tx) error {
		current, err := tx.Find(table, id)
		if err != nil {
			return err
		}
		rec, err = tx.MarkAsDeleted(current)
		return err
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(rec)
		return
	}
	fmt.Printf("%s Deleted %s/%s\n", ui.RenderPass("✓"), table, ui.RenderAccent(id))
}

func runGet(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()

	rec, err := store.Find(context.Background(), args[0], args[1])
	if errors.Is(err, db.ErrNotFound) {
		fatalf("no record %s/%s", args[0], args[1])
	}
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		outputJSON(rec)
		return
	}

	tbl, err := store.Registry().Table(rec.Table)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%s/%s\n", rec.Table, ui.RenderAccent(rec.ID))
	fmt.Printf("  status:     %s\n", renderStatus(rec))
	fmt.Printf("  created:    %s\n", rec.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("  updated:    %s\n", rec.UpdatedAt.Local().Format(time.DateTime))
	if rec.DeletedAt != nil {
		fmt.Printf("  deleted:    %s\n", rec.DeletedAt.Local().Format(time.DateTime))
	}
	for _, name := range tbl.ColumnNames() {
		if v := rec.String(name); v != "" {
			fmt.Printf("  %s: %s\n", name, v)
		}
	}
}

func runList(cmd *cobra.Command, args []string) {
	table := args[0]
	wheres, _ := cmd.Flags().GetStringArray("where")
	since, _ := cmd.Flags().GetString("changed-since")
	dirty, _ := cmd.Flags().GetBool("dirty")
	deleted, _ := cmd.Flags().GetBool("deleted")
	limit, _ := cmd.Flags().GetInt("limit")

	q, err := buildListQuery(wheres, since, dirty, deleted, limit, time.Now())
	if err != nil {
		fatalf("%v", err)
	}

	store := openStore()
	defer store.Close()

	recs, err := store.All(context.Background(), table, q)
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		if recs == nil {
			recs = []*db.Record{}
		}
		outputJSON(recs)
		return
	}
	if len(recs) == 0 {
		fmt.Println("No records found")
		return
	}

	tbl, err := store.Registry().Table(table)
	if err != nil {
		fatalf("%v", err)
	}
	columns := tbl.ColumnNames()
	if len(columns) > 3 {
		columns = columns[:3]
	}
	header := append([]string{"ID", "STATUS", "UPDATED"}, columns...)
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		row := []string{r.ID, string(r.SyncStatus), r.UpdatedAt.Local().Format(time.DateTime)}
		for _, c := range columns {
			row = append(row, r.String(c))
		}
		rows = append(rows, row)
	}
	fmt.Print(ui.Table(header, rows))
	fmt.Println(ui.RenderMuted(ui.Count(len(recs), "record")))
}

// buildListQuery turns list flags into a query.
func buildListQuery(wheres []string, since string, dirty, deleted bool, limit int, now time.Time) (db.Query, error) {
	q := db.Query{IncludeDeleted: deleted, Limit: limit}
	filters, err := parseAssignments(wheres)
	if err != nil {
		return q, err
	}
	for k, v := range filters {
		q.Where = append(q.Where, db.Eq(k, v))
	}
	if since != "" {
		t, err := parseSince(since, now)
		if err != nil {
			return q, err
		}
		q.Where = append(q.Where, db.Gte("updatedAt", t))
	}
	if dirty {
		q.Where = append(q.Where, db.NotEq("syncStatus", string(db.StatusSynced)))
	}
	return q, nil
}

func renderStatus(rec *db.Record) string {
	switch {
	case rec.IsDeleted():
		return ui.RenderMuted(string(rec.SyncStatus) + " (tombstone)")
	case rec.IsDirty():
		return ui.RenderWarn(string(rec.SyncStatus))
	default:
		return ui.RenderPass(string(rec.SyncStatus))
	}
}
