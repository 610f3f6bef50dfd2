// Package dbtest provides an in-memory Querier that answers the inspector's
// catalog queries, for tests that must not need a running PostgreSQL.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/tordrt/pgnicecluster/internal/db"
	"github.com/tordrt/pgnicecluster/internal/schema"
)

// Table is the catalog state of one fake table
type Table struct {
	Size       int64
	Indexes    []schema.Index
	PrimaryKey *schema.PrimaryKey
	Triggers   []schema.TriggerRow
	Sequences  []schema.OwnedSequence
}

// Catalog is a fake database holding tables of a single schema
type Catalog struct {
	mu sync.Mutex

	Schema string
	Tables map[string]*Table

	// QueryErrors fails every query whose text equals the key
	QueryErrors map[string]error
	// ExecErrors fails the script that locks the named table
	ExecErrors map[string]error
	// Shrink is the fraction of a table's size left after a successful script
	Shrink float64

	Queries []string
	Scripts []string
}

// NewCatalog creates an empty catalog for the public schema
func NewCatalog() *Catalog {
	return &Catalog{
		Schema:      "public",
		Tables:      make(map[string]*Table),
		QueryErrors: make(map[string]error),
		ExecErrors:  make(map[string]error),
		Shrink:      1,
	}
}

// Query implements db.Querier
func (c *Catalog) Query(_ context.Context, sql string, args ...any) ([]db.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Queries = append(c.Queries, sql)
	if err := c.QueryErrors[sql]; err != nil {
		return nil, err
	}
	if len(args) == 0 || args[0] != c.Schema {
		return nil, nil
	}

	if sql == db.ListTablesQuery {
		names := make([]string, 0, len(c.Tables))
		for name := range c.Tables {
			names = append(names, name)
		}
		sort.Strings(names)

		rows := make([]db.Row, 0, len(names))
		for _, name := range names {
			rows = append(rows, db.Row{"relname": name})
		}
		return rows, nil
	}

	name, _ := args[1].(string)
	table, ok := c.Tables[name]
	if !ok {
		if sql == db.TotalSizeQuery {
			return nil, fmt.Errorf("relation %q does not exist", c.Schema+"."+name)
		}
		return nil, nil
	}

	var rows []db.Row
	switch sql {
	case db.TotalSizeQuery:
		rows = append(rows, db.Row{"size": table.Size})
	case db.IndexesQuery:
		for _, idx := range table.Indexes {
			rows = append(rows, db.Row{"indexname": idx.Name, "indexdef": idx.Definition, "idx_scan": idx.Scans})
		}
	case db.PrimaryKeyQuery:
		if table.PrimaryKey != nil {
			for _, col := range table.PrimaryKey.Columns {
				rows = append(rows, db.Row{"index_name": table.PrimaryKey.IndexName, "column_name": col})
			}
		}
	case db.TriggersQuery:
		for _, tr := range table.Triggers {
			rows = append(rows, db.Row{
				"trigger_name":       tr.Name,
				"action_timing":      tr.Timing,
				"event_manipulation": tr.Event,
				"action_orientation": tr.Orientation,
				"action_condition":   tr.Condition,
				"action_statement":   tr.Action,
			})
		}
	case db.OwnedSequencesQuery:
		for _, seq := range table.Sequences {
			rows = append(rows, db.Row{"sequence_schema": seq.Schema, "sequence_name": seq.Name, "column_name": seq.Column})
		}
	default:
		return nil, fmt.Errorf("unexpected query: %s", sql)
	}
	return rows, nil
}

// Exec implements db.Querier. The script's table is found from its LOCK
// statement.
func (c *Catalog) Exec(_ context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Scripts = append(c.Scripts, sql)
	for name, table := range c.Tables {
		lock := fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE;", pgx.Identifier{c.Schema, name}.Sanitize())
		if !strings.Contains(sql, lock) {
			continue
		}
		if err := c.ExecErrors[name]; err != nil {
			return err
		}
		table.Size = int64(float64(table.Size) * c.Shrink)
		return nil
	}
	return fmt.Errorf("script does not lock a known table")
}

// Executed reports whether a script was run for the named table
func (c *Catalog) Executed(table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock := fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE;", pgx.Identifier{c.Schema, table}.Sanitize())
	for _, script := range c.Scripts {
		if strings.Contains(script, lock) {
			return true
		}
	}
	return false
}
