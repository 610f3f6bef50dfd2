// Package planner builds the shadow-copy-and-swap script that physically
// reclusters one table inside a single transaction.
package planner

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pingcap/errors"

	"github.com/tordrt/pgnicecluster/internal/schema"
)

// maxIdentifierLength is NAMEDATALEN - 1. Longer names are silently
// truncated by PostgreSQL, which would break the renames.
const maxIdentifierLength = 63

// NewPlan builds the cluster plan for a table. The primary key index is
// restored through its constraint and is left out of Indexes; every other
// index, including a non-primary cluster index, is recreated.
func NewPlan(t *schema.Table, schemaName, prefix, clusterIndex string) (*schema.ClusterPlan, error) {
	if prefix == "" {
		return nil, planError(t.Name, "empty temporary prefix", nil)
	}
	if clusterIndex == "" {
		return nil, planError(t.Name, "no cluster index", nil)
	}

	plan := &schema.ClusterPlan{
		Table:        t.Name,
		Schema:       schemaName,
		Prefix:       prefix,
		ClusterIndex: clusterIndex,
		PrimaryKey:   t.PrimaryKey,
		Triggers:     t.Triggers,
		Sequences:    t.Sequences,
	}

	found := t.PrimaryKey != nil && t.PrimaryKey.IndexName == clusterIndex
	for _, idx := range t.Indexes {
		if t.PrimaryKey != nil && idx.Name == t.PrimaryKey.IndexName {
			continue
		}
		if idx.Name == clusterIndex {
			found = true
		}
		plan.Indexes = append(plan.Indexes, idx)
	}
	if !found {
		return nil, planError(t.Name, fmt.Sprintf("cluster index %s is not an index of the table", clusterIndex), nil)
	}

	return plan, nil
}

// GenerateScript returns the statements that rebuild the table, in order.
// The output depends only on the plan.
func GenerateScript(p *schema.ClusterPlan) ([]string, error) {
	for _, name := range names(p) {
		if len(temp(p, name)) > maxIdentifierLength {
			return nil, planError(p.Table, "temporary name too long", errors.Errorf("%s exceeds %d bytes", temp(p, name), maxIdentifierLength))
		}
	}

	source := qualified(p.Schema, p.Table)
	shadow := qualified(p.Schema, temp(p, p.Table))

	script := []string{
		"BEGIN;",
		fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE;", source),
		fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS INCLUDING CONSTRAINTS INCLUDING COMMENTS);", shadow, source),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s;", shadow, source),
	}

	for _, idx := range p.Indexes {
		stmt, err := recreateIndex(p, idx)
		if err != nil {
			return nil, planError(p.Table, "cannot rewrite index "+idx.Name, err)
		}
		script = append(script, stmt)
	}

	if p.PrimaryKey != nil {
		cols := make([]string, len(p.PrimaryKey.Columns))
		for i, col := range p.PrimaryKey.Columns {
			cols[i] = ident(col)
		}
		if len(cols) == 0 {
			return nil, planError(p.Table, "primary key without columns", nil)
		}
		script = append(script, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s);",
			shadow, ident(temp(p, p.PrimaryKey.IndexName)), strings.Join(cols, ", ")))
	}

	script = append(script, fmt.Sprintf("CLUSTER %s USING %s;", shadow, ident(temp(p, p.ClusterIndex))))

	// copied defaults still call nextval on these; they must outlive the drop
	for _, seq := range p.Sequences {
		script = append(script, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s;",
			pgx.Identifier{seq.Schema, seq.Name}.Sanitize(),
			pgx.Identifier{p.Schema, temp(p, p.Table), seq.Column}.Sanitize()))
	}

	script = append(script,
		fmt.Sprintf("DROP TABLE %s CASCADE;", source),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s;", shadow, ident(p.Table)),
	)

	if p.PrimaryKey != nil {
		script = append(script, renameIndex(p, p.PrimaryKey.IndexName))
	}
	for _, idx := range p.Indexes {
		script = append(script, renameIndex(p, idx.Name))
	}

	for _, tr := range p.Triggers {
		script = append(script, createTrigger(source, tr))
	}

	script = append(script,
		"COMMIT;",
		fmt.Sprintf("ANALYZE %s;", source),
	)
	return script, nil
}

// recreateIndex rewrites an index definition onto the shadow table under
// its temporary name
func recreateIndex(p *schema.ClusterPlan, idx schema.Index) (string, error) {
	def, err := schema.ParseIndexDefinition(idx.Definition)
	if err != nil {
		return "", errors.WithMessage(err, "error parsing index definition")
	}
	if def.Name != idx.Name {
		return "", errors.Errorf("definition names index %s, expected %s", def.Name, idx.Name)
	}
	if def.Table != p.Table || (def.Schema != "" && def.Schema != p.Schema) {
		return "", errors.Errorf("definition targets table %s, expected %s", def.QualifiedTable(), qualified(p.Schema, p.Table))
	}

	def.Name = temp(p, idx.Name)
	def.Schema = p.Schema
	def.Table = temp(p, p.Table)
	return def.String() + ";", nil
}

func renameIndex(p *schema.ClusterPlan, name string) string {
	return fmt.Sprintf("ALTER INDEX %s RENAME TO %s;", qualified(p.Schema, temp(p, name)), ident(name))
}

func createTrigger(table string, tr schema.Trigger) string {
	tokens := []string{
		"CREATE TRIGGER", ident(tr.Name),
		tr.Timing, tr.Event,
		"ON", table,
		"FOR EACH", tr.Orientation,
	}
	if tr.Condition != "" {
		tokens = append(tokens, "WHEN ("+tr.Condition+")")
	}
	tokens = append(tokens, tr.Action)
	return strings.Join(tokens, " ") + ";"
}

// names lists every identifier that gets a temporary counterpart
func names(p *schema.ClusterPlan) []string {
	out := []string{p.Table, p.ClusterIndex}
	if p.PrimaryKey != nil {
		out = append(out, p.PrimaryKey.IndexName)
	}
	for _, idx := range p.Indexes {
		out = append(out, idx.Name)
	}
	return out
}

func temp(p *schema.ClusterPlan, name string) string {
	return p.Prefix + "_" + name
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func qualified(schemaName, name string) string {
	return pgx.Identifier{schemaName, name}.Sanitize()
}

func planError(table, reason string, err error) error {
	return &schema.PlanError{Table: table, Reason: reason, Err: err}
}
