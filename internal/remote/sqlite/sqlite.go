// Package sqlite implements remote.Client on a local SQLite file. It serves
// single-host deployments and dry runs that still need durable history.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/sqlquery"
)

//go:embed schema.sql
var schemaSQL string

var dialect = sqlquery.Dialect{
	Quote:       sqlquery.DoubleQuote,
	Placeholder: sqlquery.QuestionPlaceholder,
	NoLimit:     "-1",
}

// Client is a remote.Client backed by a SQLite database
type Client struct {
	db *sql.DB
}

var _ remote.Client = (*Client)(nil)

// Open creates or opens the database at path and makes sure the exporter
// tables exist.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(ctx context.Context, path string, tables remote.Tables) (*Client, error) {
	path = strings.TrimPrefix(path, "sqlite://")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(ctx, db, tables.WithDefaults()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Client{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB, tables remote.Tables) error {
	schema := strings.NewReplacer(
		"{{metadata}}", sqlquery.DoubleQuote(tables.Metadata),
		"{{items}}", sqlquery.DoubleQuote(tables.Items),
		"{{items_index}}", sqlquery.DoubleQuote(tables.Items+"_item_id_id_idx"),
	).Replace(schemaSQL)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Select implements remote.Client
func (c *Client) Select(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	query, args := dialect.Select(table, q)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}
	result, err := collectRows(rows)
	if err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}
	return result, nil
}

// Insert implements remote.Client
func (c *Client) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	encoded, err := encodeRow(row)
	if err != nil {
		return nil, remote.NewOperationError(remote.OpInsert, table, remote.KindAPI, err)
	}
	query, args := dialect.Insert(table, encoded)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(remote.OpInsert, table, err)
	}
	result, err := collectRows(rows)
	if err != nil {
		return nil, classify(remote.OpInsert, table, err)
	}
	if len(result) != 1 {
		return nil, remote.NewOperationError(remote.OpInsert, table, remote.KindAPI,
			fmt.Errorf("insert returned %d rows", len(result)))
	}
	return result[0], nil
}

// Upsert implements remote.Client
func (c *Client) Upsert(ctx context.Context, table string, row remote.Row, conflictColumn string) error {
	encoded, err := encodeRow(row)
	if err != nil {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI, err)
	}
	query, args, err := dialect.Upsert(table, encoded, conflictColumn)
	if err != nil {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI, err)
	}

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return classify(remote.OpUpsert, table, err)
	}
	return nil
}

// Ping implements remote.Client
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return classify(remote.OpPing, "", err)
	}
	return nil
}

// Close implements remote.Client
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// encodeRow stores structured values as JSON text, the only way SQLite can
// hold them.
func encodeRow(row remote.Row) (remote.Row, error) {
	encoded := make(remote.Row, len(row))
	for k, v := range row {
		switch v.(type) {
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode column %s: %w", k, err)
			}
			encoded[k] = string(data)
		default:
			encoded[k] = v
		}
	}
	return encoded, nil
}

func collectRows(rows *sql.Rows) ([]remote.Row, error) {
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []remote.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(remote.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func classify(op, table string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return remote.NewOperationError(op, table, remote.KindAuth, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrNotADB:
			return remote.NewOperationError(op, table, remote.KindTransport, err)
		default:
			return remote.NewOperationError(op, table, remote.KindAPI, err)
		}
	}
	return remote.NewOperationError(op, table, remote.KindTransport, err)
}
