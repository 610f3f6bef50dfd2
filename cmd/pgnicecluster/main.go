package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tordrt/pgnicecluster"
	"github.com/tordrt/pgnicecluster/internal/config"
)

type options struct {
	configPath     string
	dbURL          string
	host           string
	port           int
	user           string
	password       string
	database       string
	schemaName     string
	minSizeMB      int64
	table          string
	index          string
	prefix         string
	dryRun         bool
	strictTriggers bool
	format         string
	outputFile     string
	logLevel       string
	logJSON        bool
}

func newRootCmd() *cobra.Command {
	cmd, _ := newCommand()
	return cmd
}

func newCommand() (*cobra.Command, *options) {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "pgnicecluster",
		Short: "Cluster large PostgreSQL tables without blocking readers",
		Long: `pgnicecluster rebuilds every table above a size limit into a shadow copy,
clusters the copy along its primary key (or its most used btree index) and swaps
it in within one transaction. Writers wait while a table is rebuilt; readers only
wait for the final swap.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	f.StringVar(&opts.dbURL, "db-url", "", "PostgreSQL connection URL (overrides host, port, user, pass and db)")
	f.StringVar(&opts.host, "host", "localhost", "Database host")
	f.IntVar(&opts.port, "port", 5432, "Database port")
	f.StringVar(&opts.user, "user", "postgres", "Database user")
	f.StringVar(&opts.password, "pass", "", "Database password")
	f.StringVar(&opts.database, "db", "", "Database name")
	f.StringVarP(&opts.schemaName, "schema", "s", "public", "Schema whose tables are clustered")
	f.Int64Var(&opts.minSizeMB, "minsize", 100, "Only cluster tables bigger than this many MB, indexes included")
	f.StringVarP(&opts.table, "table", "t", "", "Cluster only this table")
	f.StringVarP(&opts.index, "index", "i", "", "Cluster along this index (requires --table)")
	f.StringVar(&opts.prefix, "prefix", "cluster", "Prefix for temporary table and index names")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Print the scripts instead of running them")
	f.BoolVar(&opts.strictTriggers, "strict-triggers", false, "Fail a table whose trigger rows disagree on anything but the event")
	f.StringVarP(&opts.format, "format", "f", "text", "Report format: text or markdown")
	f.StringVarP(&opts.outputFile, "output", "o", "", "Report file (default: stdout)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")

	return cmd, opts
}

func run(cmd *cobra.Command, opts *options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	applyFlags(cmd, opts, &cfg)

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}

	var writer = os.Stdout
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to close output file: %v\n", err)
			}
		}()
		writer = f
	}

	_, err = pgnicecluster.Cluster(ctx, cfg, logger, &pgnicecluster.OutputOptions{Writer: writer, Format: opts.format})
	return err
}

// applyFlags copies explicitly set flags over the file and default settings
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("db-url") {
		cfg.DatabaseURL = opts.dbURL
	}
	if changed("host") {
		cfg.Host = opts.host
	}
	if changed("port") {
		cfg.Port = opts.port
	}
	if changed("user") {
		cfg.User = opts.user
	}
	if changed("pass") {
		cfg.Password = opts.password
	}
	if changed("db") {
		cfg.Database = opts.database
	}
	if changed("schema") {
		cfg.Schema = opts.schemaName
	}
	if changed("minsize") {
		cfg.MinSizeMB = opts.minSizeMB
	}
	if changed("table") {
		cfg.Table = opts.table
	}
	if changed("index") {
		cfg.Index = opts.index
	}
	if changed("prefix") {
		cfg.Prefix = opts.prefix
	}
	if changed("dry-run") {
		cfg.DryRun = opts.dryRun
	}
	if changed("strict-triggers") {
		cfg.StrictTriggers = opts.strictTriggers
	}
	if changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if changed("log-json") {
		cfg.Log.JSON = opts.logJSON
	}
}

func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if lc.JSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
