package formatter

import (
	"fmt"
	"io"

	"github.com/tordrt/pgnicecluster/internal/schema"
)

// TextFormatter formats a run summary as plain text
type TextFormatter struct {
	writer io.Writer
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{writer: w}
}

// Format writes the run summary in plain text
func (f *TextFormatter) Format(s *schema.RunSummary) error {
	w := &errWriter{w: f.writer}
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	w.printf("RUN %s%s\n", s.RunID, mode)
	w.printf("  Found %d tables\n", s.TotalTables)
	w.printf("  %d of them are bigger than %d MB including indexes\n", s.LargeTables, megabytes(s.LowerLimit))
	w.printf("  Total size before: %d MB\n", megabytes(s.SizeBefore))

	for _, r := range s.Results {
		w.println()
		w.printf("TABLE %s (%d MB)\n", r.Table, megabytes(r.Size))
		w.printf("  %s\n", describe(r))

		if s.DryRun && len(r.Script) > 0 {
			w.println()
			for _, stmt := range r.Script {
				w.printf("    %s\n", stmt)
			}
		}
	}

	if !s.DryRun {
		w.println()
		w.printf("Total size after: %d MB (%d MB reclaimed)\n", megabytes(s.SizeAfter), megabytes(s.SizeBefore-s.SizeAfter))
	}

	return w.err
}

// describe renders the outcome of one table on a single line
func describe(r schema.TableResult) string {
	switch r.Status {
	case schema.StatusClustered, schema.StatusPlanned:
		return fmt.Sprintf("%s using %s", r.Status, r.ClusterIndex)
	case schema.StatusFailed:
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	default:
		return fmt.Sprintf("%s: %s", r.Status, r.Reason)
	}
}

func megabytes(b int64) int64 {
	return b / (1024 * 1024)
}
