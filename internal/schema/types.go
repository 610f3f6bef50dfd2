package schema

// Table represents a candidate table as seen by one inspection pass
type Table struct {
	Name       string
	Size       int64 // bytes, including indexes and TOAST
	Indexes    []Index
	PrimaryKey *PrimaryKey
	Triggers   []Trigger
	Sequences  []OwnedSequence
}

// Index represents a database index
type Index struct {
	Name       string
	Definition string // pg_indexes.indexdef
	Scans      int64  // pg_stat_all_indexes.idx_scan
}

// PrimaryKey represents the primary key constraint and its backing index
type PrimaryKey struct {
	IndexName string
	Columns   []string
}

// OwnedSequence is a sequence owned by a column of the table, as created
// for serial columns. Dropping the table drops the sequence with it.
type OwnedSequence struct {
	Schema string
	Name   string
	Column string
}

// Trigger represents a trigger after merging its per-event catalog rows
type Trigger struct {
	Name        string
	Timing      string // BEFORE, AFTER, INSTEAD OF
	Event       string // INSERT, UPDATE, DELETE, TRUNCATE joined with OR
	Orientation string // ROW or STATEMENT
	Condition   string // WHEN clause, empty if none
	Action      string // EXECUTE FUNCTION ...
}

// TriggerRow is one row of information_schema.triggers
type TriggerRow struct {
	Name        string
	Timing      string
	Event       string
	Orientation string
	Condition   string
	Action      string
}

// ClusterPlan is everything needed to generate the rebuild script for one table
type ClusterPlan struct {
	Table        string
	Schema       string
	Prefix       string
	ClusterIndex string
	Indexes      []Index // recreated with CREATE INDEX; excludes the primary key index
	PrimaryKey   *PrimaryKey
	Triggers     []Trigger
	Sequences    []OwnedSequence // handed over to the shadow table before the drop
}

// IndexByName returns the index with the given name
func (t *Table) IndexByName(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Status is the outcome of one table's reorganization
type Status string

const (
	StatusClustered      Status = "clustered"
	StatusPlanned        Status = "planned"
	StatusSkippedNoIndex Status = "skipped-no-index"
	StatusSkippedNoBTree Status = "skipped-no-btree"
	StatusFailed         Status = "failed"
)

// TableResult reports what happened to a single table
type TableResult struct {
	Table        string
	Size         int64
	Status       Status
	ClusterIndex string
	Reason       string
	Script       []string
	Err          error
}

// RunSummary aggregates a full reorganization run
type RunSummary struct {
	RunID       string
	TotalTables int
	LargeTables int
	LowerLimit  int64
	SizeBefore  int64
	SizeAfter   int64
	DryRun      bool
	Results     []TableResult
}

// Count returns how many tables ended with the given status
func (s *RunSummary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
