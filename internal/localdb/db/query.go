package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"time"

	"github.com/fieldmark/farmsync/internal/localdb/schema"
)

// Comparison is the operator of a query condition.
type Comparison string

const (
	CmpEq      Comparison = "eq"
	CmpNotEq   Comparison = "neq"
	CmpLt      Comparison = "lt"
	CmpLte     Comparison = "lte"
	CmpGt      Comparison = "gt"
	CmpGte     Comparison = "gte"
	CmpIn      Comparison = "in"
	CmpIsNull  Comparison = "isNull"
	CmpNotNull Comparison = "notNull"
)

// Cond filters records on one column. Column is either a schema column or
// one of the system columns id, createdAt, updatedAt, deletedAt and
// syncStatus.
type Cond struct {
	Column string
	Cmp    Comparison
	Value  any
}

func Eq(column string, v any) Cond    { return Cond{column, CmpEq, v} }
func NotEq(column string, v any) Cond { return Cond{column, CmpNotEq, v} }
func Lt(column string, v any) Cond    { return Cond{column, CmpLt, v} }
func Lte(column string, v any) Cond   { return Cond{column, CmpLte, v} }
func Gt(column string, v any) Cond    { return Cond{column, CmpGt, v} }
func Gte(column string, v any) Cond   { return Cond{column, CmpGte, v} }
func In(column string, v any) Cond    { return Cond{column, CmpIn, v} }
func IsNull(column string) Cond       { return Cond{column, CmpIsNull, nil} }
func NotNull(column string) Cond      { return Cond{column, CmpNotNull, nil} }

// Order sorts results on one column.
type Order struct {
	Column string
	Desc   bool
}

// Query selects records of one table. Conditions are ANDed. Tombstones are
// excluded unless IncludeDeleted is set. Without OrderBy, results come in
// creation order; id always breaks ties.
type Query struct {
	Where          []Cond
	OrderBy        []Order
	Limit          int
	IncludeDeleted bool
}

// Where is shorthand for a Query with the given conditions.
func Where(conds ...Cond) Query {
	return Query{Where: conds}
}

const recordColumns = "id, table_name, fields, created_at, updated_at, deleted_at, sync_status"

var systemColumns = map[string]string{
	"id":         "id",
	"createdAt":  "created_at",
	"updatedAt":  "updated_at",
	"deletedAt":  "deleted_at",
	"syncStatus": "sync_status",
}

var comparisonSQL = map[Comparison]string{
	CmpEq:    "=",
	CmpNotEq: "IS NOT",
	CmpLt:    "<",
	CmpLte:   "<=",
	CmpGt:    ">",
	CmpGte:   ">=",
}

type compiledColumn struct {
	expr   string
	system bool
}

func compileColumn(tbl *schema.Table, name string) (compiledColumn, error) {
	if expr, ok := systemColumns[name]; ok {
		return compiledColumn{expr: expr, system: true}, nil
	}
	if _, ok := tbl.Column(name); !ok {
		return compiledColumn{}, fmt.Errorf("%w: %s.%s", schema.ErrUnknownColumn, tbl.Name, name)
	}
	// Column names are validated identifiers, safe to inline.
	return compiledColumn{expr: fmt.Sprintf("json_extract(fields, '$.%s')", name)}, nil
}

func bindValue(col compiledColumn, v any) any {
	t, ok := v.(time.Time)
	if !ok {
		return v
	}
	if col.system {
		return toMillis(t)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func compileWhere(tbl *schema.Table, q Query) (string, []any, error) {
	clauses := []string{"table_name = ?"}
	args := []any{tbl.Name}
	if !q.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}

	for _, c := range q.Where {
		col, err := compileColumn(tbl, c.Column)
		if err != nil {
			return "", nil, err
		}

		cmp := c.Cmp
		if c.Value == nil {
			switch cmp {
			case CmpEq:
				cmp = CmpIsNull
			case CmpNotEq:
				cmp = CmpNotNull
			}
		}

		switch cmp {
		case CmpIsNull:
			clauses = append(clauses, col.expr+" IS NULL")
		case CmpNotNull:
			clauses = append(clauses, col.expr+" IS NOT NULL")
		case CmpIn:
			values, err := sliceValues(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s: %v", ErrInvalidQuery, c.Column, err)
			}
			if len(values) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col.expr, marks))
			for _, v := range values {
				args = append(args, bindValue(col, v))
			}
		default:
			op, ok := comparisonSQL[cmp]
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown comparison %q", ErrInvalidQuery, cmp)
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", col.expr, op))
			args = append(args, bindValue(col, c.Value))
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func sliceValues(v any) ([]any, error) {
	if vs, ok := v.([]any); ok {
		return vs, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("in requires a slice, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func (db *DB) compileQuery(table string, q Query) (string, []any, error) {
	tbl, err := db.registry.Table(table)
	if err != nil {
		return "", nil, err
	}
	where, args, err := compileWhere(tbl, q)
	if err != nil {
		return "", nil, err
	}

	var order []string
	for _, o := range q.OrderBy {
		col, err := compileColumn(tbl, o.Column)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		order = append(order, col.expr+" "+dir)
	}
	if len(order) == 0 {
		order = append(order, "created_at ASC")
	}
	order = append(order, "id ASC")

	stmt := fmt.Sprintf("SELECT %s FROM records WHERE %s ORDER BY %s", recordColumns, where, strings.Join(order, ", "))
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return stmt, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		rec       Record
		fields    string
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
		status    string
	)
	if err := s.Scan(&rec.ID, &rec.Table, &fields, &createdAt, &updatedAt, &deletedAt, &status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s/%s: %w", rec.Table, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = schema.Fields{}
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if deletedAt.Valid {
		t := fromMillis(deletedAt.Int64)
		rec.DeletedAt = &t
	}
	rec.SyncStatus = SyncStatus(status)
	return &rec, nil
}

func query(ctx context.Context, q querier, stmt string, args []any) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("error iterating records: %w", err))
		}
	}
}

func find(ctx context.Context, q querier, table, id string) (*Record, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE table_name = ? AND id = ?", table, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", table, id, err)
	}
	return rec, nil
}

// Collect drains a query sequence into a slice.
func Collect(seq iter.Seq2[*Record, error]) ([]*Record, error) {
	var out []*Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Find returns a record by id. Tombstones are returned too; callers check
// IsDeleted. A missing record yields an error wrapping ErrNotFound.
func (db *DB) Find(ctx context.Context, table, id string) (*Record, error) {
	if _, err := db.registry.Table(table); err != nil {
		return nil, err
	}
	return find(ctx, db.conn, table, id)
}

// Query streams the records of table matching q. Rows are read lazily;
// stopping the range early releases the connection.
func (db *DB) Query(ctx context.Context, table string, q Query) iter.Seq2[*Record, error] {
	stmt, args, err := db.compileQuery(table, q)
	if err != nil {
		return func(yield func(*Record, error) bool) { yield(nil, err) }
	}
	return query(ctx, db.conn, stmt, args)
}

// All is Query collected into a slice.
func (db *DB) All(ctx context.Context, table string, q Query) ([]*Record, error) {
	return Collect(db.Query(ctx, table, q))
}

// Count returns how many records of table match q. Limit and OrderBy are ignored.
func (db *DB) Count(ctx context.Context, table string, q Query) (int, error) {
	tbl, err := db.registry.Table(table)
	if err != nil {
		return 0, err
	}
	where, args, err := compileWhere(tbl, q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Snapshot returns every stored record, tombstones included, ordered by
// table and id.
func (db *DB) Snapshot(ctx context.Context) ([]*Record, error) {
	return Collect(query(ctx, db.conn,
		"SELECT "+recordColumns+" FROM records ORDER BY table_name, id", nil))
}

// Stats summarizes one table.
type Stats struct {
	Table   string `json:"table"`
	Live    int    `json:"live"`
	Deleted int    `json:"deleted"`
	Dirty   int    `json:"dirty"`
}

// Stats returns per-table counts in registry order.
func (db *DB) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT table_name,
		       SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN sync_status != 'synced' THEN 1 ELSE 0 END)
		FROM records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	defer rows.Close()

	byTable := make(map[string]Stats)
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Table, &s.Live, &s.Deleted, &s.Dirty); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		byTable[s.Table] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Stats, 0, len(db.registry.Tables))
	for _, name := range db.registry.Names() {
		s := byTable[name]
		s.Table = name
		out = append(out, s)
	}
	return out, nil
}

// Find returns a record by id, seeing this transaction's own writes.
func (tx *Tx) Find(table, id string) (*Record, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if _, err := tx.db.registry.Table(table); err != nil {
		return nil, err
	}
	return find(tx.ctx, tx.sqlTx, table, id)
}

// Query streams matching records, seeing this transaction's own writes.
func (tx *Tx) Query(table string, q Query) iter.Seq2[*Record, error] {
	if err := tx.check(); err != nil {
		return func(yield func(*Record, error) bool) { yield(nil, err) }
	}
	stmt, args, err := tx.db.compileQuery(table, q)
	if err != nil {
		return func(yield func(*Record, error) bool) { yield(nil, err) }
	}
	return query(tx.ctx, tx.sqlTx, stmt, args)
}
