package formatter

import (
	"io"
	"strings"

	"github.com/tordrt/pgnicecluster/internal/schema"
)

// MarkdownFormatter formats a run summary as markdown
type MarkdownFormatter struct {
	writer io.Writer
}

// NewMarkdownFormatter creates a new markdown formatter
func NewMarkdownFormatter(w io.Writer) *MarkdownFormatter {
	return &MarkdownFormatter{writer: w}
}

// Format writes the run summary in markdown format
func (f *MarkdownFormatter) Format(s *schema.RunSummary) error {
	w := &errWriter{w: f.writer}
	title := "# Cluster Run"
	if s.DryRun {
		title += " (dry run)"
	}
	w.println(title)
	w.println()

	w.printf("- **Run:** %s\n", s.RunID)
	w.printf("- **Tables:** %d found, %d above %d MB\n", s.TotalTables, s.LargeTables, megabytes(s.LowerLimit))
	w.printf("- **Size before:** %d MB\n", megabytes(s.SizeBefore))
	if !s.DryRun {
		w.printf("- **Size after:** %d MB\n", megabytes(s.SizeAfter))
	}
	w.println()

	if len(s.Results) == 0 {
		w.println("Nothing to do.")
		return w.err
	}

	w.println("## Tables")
	w.println()
	w.println("| Table | Size (MB) | Status | Index | Detail |")
	w.println("|-------|-----------|--------|-------|--------|")
	for _, r := range s.Results {
		detail := r.Reason
		if r.Err != nil {
			detail = r.Err.Error()
		}
		w.printf("| %s | %d | %s | %s | %s |\n",
			r.Table, megabytes(r.Size), r.Status, r.ClusterIndex, escapeCell(detail))
	}

	if !s.DryRun {
		return w.err
	}

	for _, r := range s.Results {
		if len(r.Script) == 0 {
			continue
		}
		w.println()
		w.printf("### %s\n\n", r.Table)
		w.println("```sql")
		w.println(strings.Join(r.Script, "\n"))
		w.println("```")
	}
	return w.err
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
