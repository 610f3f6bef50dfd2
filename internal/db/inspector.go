package db

import (
	"context"
	"errors"

	"github.com/tordrt/pgnicecluster/internal/schema"
)

// Catalog queries issued by the Inspector. $1 is the schema, $2 the table.
const (
	ListTablesQuery = `
		SELECT relname
		FROM pg_stat_user_tables
		WHERE schemaname = $1
		ORDER BY relname
	`

	TotalSizeQuery = `
		SELECT pg_total_relation_size(format('%I.%I', $1::text, $2::text)::regclass) AS size
	`

	IndexesQuery = `
		SELECT
			i.indexname::text AS indexname,
			i.indexdef,
			COALESCE(s.idx_scan, 0) AS idx_scan
		FROM pg_indexes i
		LEFT JOIN pg_stat_all_indexes s
			ON s.schemaname = i.schemaname
			AND s.relname = i.tablename
			AND s.indexrelname = i.indexname
		WHERE i.schemaname = $1 AND i.tablename = $2
		ORDER BY i.indexname
	`

	PrimaryKeyQuery = `
		SELECT
			i.relname::text AS index_name,
			a.attname::text AS column_name
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE ix.indisprimary
			AND n.nspname = $1
			AND t.relname = $2
		ORDER BY array_position(ix.indkey::int2[], a.attnum)
	`

	OwnedSequencesQuery = `
		SELECT
			sn.nspname::text AS sequence_schema,
			s.relname::text AS sequence_name,
			a.attname::text AS column_name
		FROM pg_depend d
		JOIN pg_class s ON s.oid = d.objid AND s.relkind = 'S'
		JOIN pg_namespace sn ON sn.oid = s.relnamespace
		JOIN pg_class t ON t.oid = d.refobjid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
		WHERE d.classid = 'pg_class'::regclass
			AND d.refclassid = 'pg_class'::regclass
			AND d.deptype = 'a'
			AND n.nspname = $1
			AND t.relname = $2
		ORDER BY a.attnum, s.relname
	`

	TriggersQuery = `
		SELECT
			trigger_name::text AS trigger_name,
			action_timing::text AS action_timing,
			event_manipulation::text AS event_manipulation,
			action_orientation::text AS action_orientation,
			COALESCE(action_condition::text, '') AS action_condition,
			action_statement::text AS action_statement
		FROM information_schema.triggers
		WHERE event_object_schema = $1 AND event_object_table = $2
		ORDER BY trigger_name, event_manipulation
	`
)

var errNoRows = errors.New("query returned no rows")

// Inspector runs the read-only catalog queries for one schema
type Inspector struct {
	q              Querier
	schema         string
	strictTriggers bool
}

// NewInspector creates a new schema inspector
func NewInspector(q Querier, schemaName string, strictTriggers bool) *Inspector {
	return &Inspector{
		q:              q,
		schema:         schemaName,
		strictTriggers: strictTriggers,
	}
}

// ListTables returns the tables to consider. An explicit table is returned
// as is; its existence is only checked once it is queried.
func (i *Inspector) ListTables(ctx context.Context, explicitTable string) ([]string, error) {
	if explicitTable != "" {
		return []string{explicitTable}, nil
	}

	rows, err := i.q.Query(ctx, ListTablesQuery, i.schema)
	if err != nil {
		return nil, &schema.DatabaseError{Op: "list tables", Err: err}
	}

	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, row.String("relname"))
	}
	return tables, nil
}

// TotalSize returns the on-disk size of a table including indexes and TOAST
func (i *Inspector) TotalSize(ctx context.Context, table string) (int64, error) {
	rows, err := i.q.Query(ctx, TotalSizeQuery, i.schema, table)
	if err == nil && len(rows) == 0 {
		err = errNoRows
	}
	if err != nil {
		return 0, &schema.DatabaseError{Op: "size query", Table: table, Err: err}
	}

	size, err := rows[0].Int64("size")
	if err != nil {
		return 0, &schema.DatabaseError{Op: "size query", Table: table, Err: err}
	}
	return size, nil
}

// Indexes returns every index of a table with its definition and scan count
func (i *Inspector) Indexes(ctx context.Context, table string) ([]schema.Index, error) {
	rows, err := i.q.Query(ctx, IndexesQuery, i.schema, table)
	if err != nil {
		return nil, &schema.DatabaseError{Op: "index query", Table: table, Err: err}
	}

	indexes := make([]schema.Index, 0, len(rows))
	for _, row := range rows {
		scans, err := row.Int64("idx_scan")
		if err != nil {
			return nil, &schema.DatabaseError{Op: "index query", Table: table, Err: err}
		}
		indexes = append(indexes, schema.Index{
			Name:       row.String("indexname"),
			Definition: row.String("indexdef"),
			Scans:      scans,
		})
	}
	return indexes, nil
}

// PrimaryKey returns the primary key of a table, or nil if it has none
func (i *Inspector) PrimaryKey(ctx context.Context, table string) (*schema.PrimaryKey, error) {
	rows, err := i.q.Query(ctx, PrimaryKeyQuery, i.schema, table)
	if err != nil {
		return nil, &schema.DatabaseError{Op: "primary key query", Table: table, Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	pk := &schema.PrimaryKey{IndexName: rows[0].String("index_name")}
	for _, row := range rows {
		pk.Columns = append(pk.Columns, row.String("column_name"))
	}
	return pk, nil
}

// Triggers returns the triggers of a table with their event rows merged
func (i *Inspector) Triggers(ctx context.Context, table string) ([]schema.Trigger, error) {
	rows, err := i.q.Query(ctx, TriggersQuery, i.schema, table)
	if err != nil {
		return nil, &schema.DatabaseError{Op: "trigger query", Table: table, Err: err}
	}

	raw := make([]schema.TriggerRow, 0, len(rows))
	for _, row := range rows {
		raw = append(raw, schema.TriggerRow{
			Name:        row.String("trigger_name"),
			Timing:      row.String("action_timing"),
			Event:       row.String("event_manipulation"),
			Orientation: row.String("action_orientation"),
			Condition:   row.String("action_condition"),
			Action:      row.String("action_statement"),
		})
	}

	triggers, err := schema.MergeTriggers(raw, i.strictTriggers)
	if err != nil {
		return nil, &schema.PlanError{Table: table, Reason: "conflicting trigger rows", Err: err}
	}
	return triggers, nil
}

// OwnedSequences returns the sequences owned by columns of a table
func (i *Inspector) OwnedSequences(ctx context.Context, table string) ([]schema.OwnedSequence, error) {
	rows, err := i.q.Query(ctx, OwnedSequencesQuery, i.schema, table)
	if err != nil {
		return nil, &schema.DatabaseError{Op: "sequence query", Table: table, Err: err}
	}

	seqs := make([]schema.OwnedSequence, 0, len(rows))
	for _, row := range rows {
		seqs = append(seqs, schema.OwnedSequence{
			Schema: row.String("sequence_schema"),
			Name:   row.String("sequence_name"),
			Column: row.String("column_name"),
		})
	}
	return seqs, nil
}
