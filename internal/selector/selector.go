// Package selector chooses the index a table is physically clustered on.
package selector

import (
	"github.com/tordrt/pgnicecluster/internal/schema"
)

// Select returns the name of the cluster index for a table.
//
// An explicit override is returned verbatim. Otherwise the primary key index
// wins, and failing that the btree index with the most scans, ties going to
// the first one listed. Only btree indexes give a total order, so a table
// without a primary key or btree index has no cluster index.
func Select(t *schema.Table, override string) (string, bool) {
	if override != "" {
		return override, true
	}

	if t.PrimaryKey != nil && t.PrimaryKey.IndexName != "" {
		return t.PrimaryKey.IndexName, true
	}

	best := ""
	bestScans := int64(-1)
	for _, idx := range t.Indexes {
		def, err := schema.ParseIndexDefinition(idx.Definition)
		if err != nil || !def.IsBTree() {
			continue
		}
		if idx.Scans > bestScans {
			best, bestScans = idx.Name, idx.Scans
		}
	}

	return best, best != ""
}
