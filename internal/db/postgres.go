package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// PostgresClient manages the connection to PostgreSQL
type PostgresClient struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{conn: conn}, nil
}

// Close closes the database connection
func (c *PostgresClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close(ctx)
}

// Query runs sql and collects every row into a column-name keyed map
func (c *PostgresClient) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}

	result := make([]Row, len(maps))
	for i, m := range maps {
		result[i] = Row(m)
	}
	return result, nil
}

// Exec sends sql as a single simple-protocol batch. A batch that opens a
// transaction and fails part way leaves the session in an aborted
// transaction, which is rolled back here so the connection can be reused.
func (c *PostgresClient) Exec(ctx context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Exec(ctx, sql)
	if err == nil {
		return nil
	}

	if c.conn.PgConn().TxStatus() != 'I' {
		if _, rbErr := c.conn.Exec(ctx, "ROLLBACK"); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
	}
	return err
}
