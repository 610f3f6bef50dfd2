package db

import (
	"context"
	"fmt"
	"strconv"
)

// Row is one result row keyed by column name
type Row map[string]any

// Querier is the query interface the inspector and the driver run against.
// Implementations must serialize use of the underlying connection.
type Querier interface {
	// Query runs a read-only statement and returns all rows
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	// Exec runs a batch of statements without arguments
	Exec(ctx context.Context, sql string) error
}

// String returns the column as text, or "" for NULL
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an integer, or 0 for NULL
func (r Row) Int64(col string) (int64, error) {
	switch v := r[col].(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("column %s: unexpected type %T", col, v)
	}
}
