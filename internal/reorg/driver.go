// Package reorg runs a reorganization pass over a schema: it discovers the
// tables worth clustering and rebuilds them one at a time.
package reorg

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tordrt/pgnicecluster/internal/config"
	"github.com/tordrt/pgnicecluster/internal/db"
	"github.com/tordrt/pgnicecluster/internal/planner"
	"github.com/tordrt/pgnicecluster/internal/schema"
	"github.com/tordrt/pgnicecluster/internal/selector"
)

// Driver reorganizes tables through a single Querier. It keeps no state
// between runs.
type Driver struct {
	q      db.Querier
	logger *slog.Logger
}

type sizedTable struct {
	name string
	size int64
}

// NewDriver creates a new driver
func NewDriver(q db.Querier, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{q: q, logger: logger}
}

// Run performs a full pass: discover, filter by size, cluster each table in
// turn, then measure the schema again. Per-table failures are reported in
// the summary. Configuration problems are returned as errors with a nil
// summary. Once ctx is done no further table is started, and the partial
// summary is returned together with ctx.Err().
func (d *Driver) Run(ctx context.Context, cfg config.Config) (*schema.RunSummary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	summary := &schema.RunSummary{
		RunID:      uuid.NewString(),
		LowerLimit: cfg.LowerLimit(),
		DryRun:     cfg.DryRun,
	}
	logger := d.logger.With("run_id", summary.RunID, "schema", cfg.Schema)
	inspector := db.NewInspector(d.q, cfg.Schema, cfg.StrictTriggers)

	tables, err := d.discover(ctx, inspector, cfg)
	if err != nil {
		return nil, err
	}
	summary.TotalTables = len(tables)
	logger.Info("found tables", "count", len(tables))

	large, total, failed := d.filter(ctx, logger, inspector, tables, cfg.LowerLimit())
	if cfg.Table != "" && len(failed) > 0 {
		return nil, &schema.ConfigurationError{Field: "table", Reason: failed[0].Err.Error()}
	}
	summary.Results = append(summary.Results, failed...)
	summary.LargeTables = len(large)
	summary.SizeBefore = total
	summary.SizeAfter = total
	logger.Info("filtered tables", "above_limit", len(large), "lower_limit_bytes", summary.LowerLimit, "total_size_bytes", total)

	if len(large) == 0 {
		logger.Info("nothing to do")
		return summary, nil
	}

	for i, t := range large {
		if err := ctx.Err(); err != nil {
			logger.Warn("run interrupted", "error", err, "remaining_tables", len(large)-i)
			return summary, err
		}
		summary.Results = append(summary.Results, d.clusterTable(ctx, logger, inspector, cfg, t))
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if cfg.DryRun {
		return summary, nil
	}

	tables, err = d.discover(ctx, inspector, cfg)
	if err != nil {
		logger.Warn("cannot measure final size", "error", err)
		return summary, nil
	}
	_, summary.SizeAfter, _ = d.filter(ctx, logger, inspector, tables, cfg.LowerLimit())
	logger.Info("finished", "size_before_bytes", summary.SizeBefore, "size_after_bytes", summary.SizeAfter)

	return summary, nil
}

func (d *Driver) discover(ctx context.Context, inspector *db.Inspector, cfg config.Config) ([]string, error) {
	return inspector.ListTables(ctx, cfg.Table)
}

// filter keeps the tables strictly larger than limit. The returned total
// covers every table that could be measured, not only those kept.
func (d *Driver) filter(ctx context.Context, logger *slog.Logger, inspector *db.Inspector, tables []string, limit int64) ([]sizedTable, int64, []schema.TableResult) {
	var (
		large  []sizedTable
		failed []schema.TableResult
		total  int64
	)

	for _, name := range tables {
		size, err := inspector.TotalSize(ctx, name)
		if err != nil {
			logger.Warn("cannot measure table", "table", name, "error", err)
			failed = append(failed, schema.TableResult{Table: name, Status: schema.StatusFailed, Err: err})
			continue
		}
		total += size
		if size > limit {
			large = append(large, sizedTable{name: name, size: size})
		}
	}

	return large, total, failed
}

// clusterTable runs Inspect, Select, Plan and Execute for one table
func (d *Driver) clusterTable(ctx context.Context, logger *slog.Logger, inspector *db.Inspector, cfg config.Config, t sizedTable) schema.TableResult {
	res := schema.TableResult{Table: t.name, Size: t.size}
	logger = logger.With("table", t.name)
	logger.Info("starting to cluster", "size_bytes", t.size)

	indexes, err := inspector.Indexes(ctx, t.name)
	if err != nil {
		return d.fail(logger, res, err)
	}
	if len(indexes) == 0 {
		logger.Info("no index found: skipping")
		res.Status = schema.StatusSkippedNoIndex
		res.Reason = "no index found"
		return res
	}
	logger.Debug("found indexes", "count", len(indexes))

	pk, err := inspector.PrimaryKey(ctx, t.name)
	if err != nil {
		return d.fail(logger, res, err)
	}
	table := &schema.Table{Name: t.name, Size: t.size, Indexes: indexes, PrimaryKey: pk}

	clusterIndex, ok := selector.Select(table, cfg.Index)
	if !ok {
		logger.Info("no btree index found: skipping")
		res.Status = schema.StatusSkippedNoBTree
		res.Reason = "no usable index"
		return res
	}
	res.ClusterIndex = clusterIndex
	logger.Info("selected cluster index", "index", clusterIndex, "primary_key", pk != nil && pk.IndexName == clusterIndex)

	if table.Triggers, err = inspector.Triggers(ctx, t.name); err != nil {
		return d.fail(logger, res, err)
	}
	if table.Sequences, err = inspector.OwnedSequences(ctx, t.name); err != nil {
		return d.fail(logger, res, err)
	}
	if len(table.Sequences) > 0 {
		logger.Debug("found owned sequences", "count", len(table.Sequences))
	}

	plan, err := planner.NewPlan(table, cfg.Schema, cfg.Prefix, clusterIndex)
	if err != nil {
		return d.fail(logger, res, err)
	}
	script, err := planner.GenerateScript(plan)
	if err != nil {
		return d.fail(logger, res, err)
	}
	res.Script = script

	if cfg.DryRun {
		logger.Info("planned", "statements", len(script))
		res.Status = schema.StatusPlanned
		return res
	}

	logger.Debug("executing script", "sql", strings.Join(script, "\n"))
	if err := d.q.Exec(ctx, strings.Join(script, "\n")); err != nil {
		return d.fail(logger, res, &schema.DatabaseError{Op: "cluster script", Table: t.name, Err: err})
	}

	logger.Info("successfully clustered", "index", clusterIndex)
	res.Status = schema.StatusClustered
	return res
}

func (d *Driver) fail(logger *slog.Logger, res schema.TableResult, err error) schema.TableResult {
	kind := "database"
	var planErr *schema.PlanError
	if errors.As(err, &planErr) {
		kind = "plan"
	}
	logger.Error("failed to cluster", "kind", kind, "error", err)

	res.Status = schema.StatusFailed
	res.Err = err
	return res
}
