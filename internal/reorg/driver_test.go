package reorg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tordrt/pgnicecluster/internal/config"
	"github.com/tordrt/pgnicecluster/internal/db"
	"github.com/tordrt/pgnicecluster/internal/db/dbtest"
	"github.com/tordrt/pgnicecluster/internal/schema"
)

const mb = 1024 * 1024

func newDriver(c *dbtest.Catalog) *Driver {
	return NewDriver(c, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func index(table, name, method string, scans int64) schema.Index {
	return schema.Index{
		Name:       name,
		Definition: "CREATE INDEX " + name + " ON public." + table + " USING " + method + " (col)",
		Scans:      scans,
	}
}

// ordersTable is a 500 MB table with a primary key and two btree indexes
func ordersTable() *dbtest.Table {
	return &dbtest.Table{
		Size: 500 * mb,
		Indexes: []schema.Index{
			index("orders", "orders_created_idx", "btree", 50),
			index("orders", "orders_customer_idx", "btree", 900),
			{Name: "orders_pkey", Definition: "CREATE UNIQUE INDEX orders_pkey ON public.orders USING btree (id)", Scans: 1},
		},
		PrimaryKey: &schema.PrimaryKey{IndexName: "orders_pkey", Columns: []string{"id"}},
		Triggers: []schema.TriggerRow{
			{Name: "orders_audit", Timing: "AFTER", Event: "INSERT", Orientation: "ROW", Action: "EXECUTE FUNCTION audit()"},
			{Name: "orders_audit", Timing: "AFTER", Event: "DELETE", Orientation: "ROW", Action: "EXECUTE FUNCTION audit()"},
		},
	}
}

func result(t *testing.T, s *schema.RunSummary, table string) schema.TableResult {
	t.Helper()
	for _, r := range s.Results {
		if r.Table == table {
			return r
		}
	}
	t.Fatalf("no result for table %s", table)
	return schema.TableResult{}
}

func TestScenarioPrimaryKeyTable(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	c.Shrink = 0.5

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.TotalTables != 1 || summary.LargeTables != 1 {
		t.Errorf("summary counts = %d/%d, want 1/1", summary.TotalTables, summary.LargeTables)
	}
	r := result(t, summary, "orders")
	if r.Status != schema.StatusClustered {
		t.Fatalf("status = %s (%v), want clustered", r.Status, r.Err)
	}
	if r.ClusterIndex != "orders_pkey" {
		t.Errorf("cluster index = %s, want orders_pkey", r.ClusterIndex)
	}

	script := strings.Join(r.Script, "\n")
	for _, want := range []string{
		`CREATE INDEX "cluster_orders_created_idx" ON "public"."cluster_orders"`,
		`CREATE INDEX "cluster_orders_customer_idx" ON "public"."cluster_orders"`,
		`ADD CONSTRAINT "cluster_orders_pkey" PRIMARY KEY ("id");`,
		`CLUSTER "public"."cluster_orders" USING "cluster_orders_pkey";`,
		`CREATE TRIGGER "orders_audit" AFTER INSERT OR DELETE ON "public"."orders"`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %s", want)
		}
	}

	if len(c.Scripts) != 1 || c.Scripts[0] != script {
		t.Errorf("expected the generated script to be executed once as one batch")
	}
	if summary.SizeAfter > summary.SizeBefore {
		t.Errorf("size after %d > size before %d", summary.SizeAfter, summary.SizeBefore)
	}
	if summary.SizeAfter != 250*mb {
		t.Errorf("size after = %d, want %d", summary.SizeAfter, 250*mb)
	}
}

func TestScenarioSmallTable(t *testing.T) {
	c := dbtest.NewCatalog()
	small := ordersTable()
	small.Size = 50 * mb
	c.Tables["orders"] = small

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.LargeTables != 0 || len(summary.Results) != 0 {
		t.Errorf("summary = %+v, want no work", summary)
	}
	if summary.SizeBefore != 50*mb || summary.SizeAfter != 50*mb {
		t.Errorf("sizes = %d/%d, want %d", summary.SizeBefore, summary.SizeAfter, 50*mb)
	}
	if len(c.Scripts) != 0 {
		t.Error("no script must be executed")
	}
}

func TestScenarioHashOnly(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["sessions"] = &dbtest.Table{
		Size:    200 * mb,
		Indexes: []schema.Index{index("sessions", "sessions_token_idx", "hash", 10)},
	}

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := result(t, summary, "sessions")
	if r.Status != schema.StatusSkippedNoBTree || r.Reason != "no usable index" {
		t.Errorf("result = %+v, want skipped with no usable index", r)
	}
	if r.Script != nil || len(c.Scripts) != 0 {
		t.Error("no script must be generated")
	}
	for _, q := range c.Queries {
		if q == db.TriggersQuery {
			t.Error("triggers must not be inspected for a skipped table")
		}
	}
}

func TestScenarioExplicitTableAndIndex(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	c.Tables["other"] = ordersTable()

	cfg := config.Default()
	cfg.Table = "orders"
	cfg.Index = "orders_created_idx"

	summary, err := newDriver(c).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TotalTables != 1 || len(summary.Results) != 1 {
		t.Fatalf("summary = %+v, want exactly one table", summary)
	}
	for _, q := range c.Queries {
		if q == db.ListTablesQuery {
			t.Error("explicit table must not list the schema")
		}
	}

	r := result(t, summary, "orders")
	if r.Status != schema.StatusClustered || r.ClusterIndex != "orders_created_idx" {
		t.Fatalf("result = %+v, want clustered on orders_created_idx", r)
	}
	script := strings.Join(r.Script, "\n")
	if !strings.Contains(script, `CLUSTER "public"."cluster_orders" USING "cluster_orders_created_idx";`) {
		t.Error("override index not used for CLUSTER")
	}
	if !strings.Contains(script, `ADD CONSTRAINT "cluster_orders_pkey" PRIMARY KEY`) {
		t.Error("primary key must still be restored")
	}
	if c.Executed("other") {
		t.Error("only the explicit table may be clustered")
	}
}

func TestExplicitTableMissing(t *testing.T) {
	c := dbtest.NewCatalog()
	cfg := config.Default()
	cfg.Table = "ghost"

	_, err := newDriver(c).Run(context.Background(), cfg)
	var cfgErr *schema.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Run() error = %v, want ConfigurationError", err)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	cfg := config.Default()
	cfg.Prefix = ""

	c := dbtest.NewCatalog()
	_, err := newDriver(c).Run(context.Background(), cfg)
	var cfgErr *schema.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Run() error = %v, want ConfigurationError", err)
	}
	if len(c.Queries) != 0 {
		t.Error("no query may run before the configuration is valid")
	}
}

func TestFilterBoundary(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["at_limit"] = &dbtest.Table{Size: 100 * mb}
	c.Tables["above_limit"] = &dbtest.Table{Size: 100*mb + 1}
	c.Tables["below_limit"] = &dbtest.Table{Size: 100*mb - 1}

	cfg := config.Default()
	d := newDriver(c)
	inspector := db.NewInspector(c, cfg.Schema, false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	large, total, failed := d.filter(context.Background(), logger, inspector, []string{"above_limit", "at_limit", "below_limit"}, cfg.LowerLimit())
	if len(failed) != 0 {
		t.Fatalf("filter() failed = %v", failed)
	}
	if len(large) != 1 || large[0].name != "above_limit" {
		t.Errorf("filter() = %v, want only above_limit", large)
	}
	if total != 300*mb {
		t.Errorf("filter() total = %d, want %d", total, 300*mb)
	}
}

func TestTableWithoutIndexesIsSkipped(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["logs"] = &dbtest.Table{Size: 300 * mb}

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := result(t, summary, "logs")
	if r.Status != schema.StatusSkippedNoIndex {
		t.Errorf("status = %s, want skipped-no-index", r.Status)
	}
	for _, q := range c.Queries {
		if q == db.PrimaryKeyQuery || q == db.TriggersQuery {
			t.Error("planning queries must not run for a table without indexes")
		}
	}
	if len(c.Scripts) != 0 {
		t.Error("no script must be executed")
	}
}

func TestFailureDoesNotStopRun(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["a_orders"] = ordersTable()
	c.Tables["a_orders"].Indexes = []schema.Index{
		{Name: "a_orders_pkey", Definition: "CREATE UNIQUE INDEX a_orders_pkey ON public.a_orders USING btree (id)"},
	}
	c.Tables["a_orders"].PrimaryKey = &schema.PrimaryKey{IndexName: "a_orders_pkey", Columns: []string{"id"}}
	c.Tables["a_orders"].Triggers = nil
	c.ExecErrors["a_orders"] = errors.New("lock timeout")

	c.Tables["b_broken"] = &dbtest.Table{
		Size: 200 * mb,
		Indexes: []schema.Index{
			{Name: "b_broken_idx", Definition: "CREATE INDEX something_else ON public.b_broken USING btree (x)"},
		},
	}
	c.Tables["orders"] = ordersTable()

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var dbErr *schema.DatabaseError
	if r := result(t, summary, "a_orders"); r.Status != schema.StatusFailed || !errors.As(r.Err, &dbErr) {
		t.Errorf("a_orders = %+v, want failed with DatabaseError", r)
	}
	var planErr *schema.PlanError
	if r := result(t, summary, "b_broken"); r.Status != schema.StatusFailed || !errors.As(r.Err, &planErr) {
		t.Errorf("b_broken = %+v, want failed with PlanError", r)
	}
	if r := result(t, summary, "orders"); r.Status != schema.StatusClustered {
		t.Errorf("orders = %+v, want clustered", r)
	}
	if summary.Count(schema.StatusFailed) != 2 || summary.Count(schema.StatusClustered) != 1 {
		t.Errorf("counts = failed %d clustered %d", summary.Count(schema.StatusFailed), summary.Count(schema.StatusClustered))
	}
}

func TestSizeQueryFailureExcludesTable(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	c.QueryErrors[db.TotalSizeQuery] = errors.New("permission denied")

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := result(t, summary, "orders")
	var dbErr *schema.DatabaseError
	if r.Status != schema.StatusFailed || !errors.As(r.Err, &dbErr) {
		t.Errorf("result = %+v, want failed with DatabaseError", r)
	}
	if summary.LargeTables != 0 || len(c.Scripts) != 0 {
		t.Error("unmeasured table must not be clustered")
	}
}

func TestDryRun(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()

	cfg := config.Default()
	cfg.DryRun = true

	summary, err := newDriver(c).Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := result(t, summary, "orders")
	if r.Status != schema.StatusPlanned || len(r.Script) == 0 {
		t.Errorf("result = %+v, want planned with script", r)
	}
	if len(c.Scripts) != 0 {
		t.Error("dry run must not execute")
	}
	if !summary.DryRun || summary.SizeAfter != summary.SizeBefore {
		t.Errorf("summary = %+v", summary)
	}
}

// Names of indexes and triggers present before a run are the names restored
// by the executed script.
func TestNamesPreserved(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	before := ordersTable()

	if _, err := newDriver(c).Run(context.Background(), config.Default()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(c.Scripts) != 1 {
		t.Fatalf("expected one executed script, got %d", len(c.Scripts))
	}

	restored := make(map[string]int)
	triggers := make(map[string]int)
	for _, stmt := range strings.Split(c.Scripts[0], "\n") {
		if strings.HasPrefix(stmt, "ALTER INDEX") {
			name := stmt[strings.LastIndex(stmt, "RENAME TO ")+len("RENAME TO "):]
			restored[strings.Trim(name, `";`)]++
		}
		if strings.HasPrefix(stmt, "CREATE TRIGGER") {
			triggers[strings.Trim(strings.Fields(stmt)[2], `"`)]++
		}
	}

	if len(restored) != len(before.Indexes) {
		t.Errorf("restored indexes = %v, want %d", restored, len(before.Indexes))
	}
	for _, idx := range before.Indexes {
		if restored[idx.Name] != 1 {
			t.Errorf("index %s restored %d times", idx.Name, restored[idx.Name])
		}
	}
	if len(triggers) != 1 || triggers["orders_audit"] != 1 {
		t.Errorf("restored triggers = %v", triggers)
	}
}

func TestSerialSequenceSurvivesDrop(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	c.Tables["orders"].Sequences = []schema.OwnedSequence{{Schema: "public", Name: "orders_id_seq", Column: "id"}}

	summary, err := newDriver(c).Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := result(t, summary, "orders")
	if r.Status != schema.StatusClustered {
		t.Fatalf("status = %s (%v), want clustered", r.Status, r.Err)
	}

	script := c.Scripts[0]
	owned := strings.Index(script, `ALTER SEQUENCE "public"."orders_id_seq" OWNED BY "public"."cluster_orders"."id";`)
	drop := strings.Index(script, `DROP TABLE "public"."orders" CASCADE;`)
	if owned < 0 || owned > drop {
		t.Errorf("sequence must be owned by the shadow table before the drop:\n%s", script)
	}
}

// cancelAfterExec cancels the run once the first script has been executed
type cancelAfterExec struct {
	*dbtest.Catalog
	cancel context.CancelFunc
}

func (c *cancelAfterExec) Exec(ctx context.Context, sql string) error {
	err := c.Catalog.Exec(ctx, sql)
	c.cancel()
	return err
}

func TestCancelStopsBeforeNextTable(t *testing.T) {
	c := dbtest.NewCatalog()
	for _, name := range []string{"a_orders", "b_orders", "c_orders"} {
		c.Tables[name] = &dbtest.Table{
			Size:       200 * mb,
			Indexes:    []schema.Index{{Name: name + "_pkey", Definition: "CREATE UNIQUE INDEX " + name + "_pkey ON public." + name + " USING btree (id)"}},
			PrimaryKey: &schema.PrimaryKey{IndexName: name + "_pkey", Columns: []string{"id"}},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDriver(&cancelAfterExec{Catalog: c, cancel: cancel}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	summary, err := d.Run(ctx, config.Default())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary == nil {
		t.Fatal("Run() must return the partial summary")
	}
	if len(summary.Results) != 1 || summary.Results[0].Table != "a_orders" || summary.Results[0].Status != schema.StatusClustered {
		t.Errorf("results = %+v, want only a_orders clustered", summary.Results)
	}
	if summary.LargeTables != 3 {
		t.Errorf("LargeTables = %d, want 3", summary.LargeTables)
	}
	if c.Executed("b_orders") || c.Executed("c_orders") {
		t.Error("no table may be started after cancellation")
	}
	if len(c.Scripts) != 1 {
		t.Errorf("executed %d scripts, want 1", len(c.Scripts))
	}
}

func TestDriverReuse(t *testing.T) {
	c := dbtest.NewCatalog()
	c.Tables["orders"] = ordersTable()
	d := newDriver(c)

	first, err := d.Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := d.Run(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(first.Results) != 1 || len(second.Results) != 1 {
		t.Errorf("results leaked between runs: %d, %d", len(first.Results), len(second.Results))
	}
	if first.RunID == second.RunID {
		t.Error("each run needs its own id")
	}
}
