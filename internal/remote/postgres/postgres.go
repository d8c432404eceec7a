// Package postgres implements remote.Client on a PostgreSQL database
// reached directly through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/sqlquery"
)

// PostgreSQL error codes for rejected credentials
const (
	codeInvalidPassword          = "28P01"
	codeInvalidAuthorization     = "28000"
	codeInsufficientPrivilege    = "42501"
	defaultConnectTimeoutSeconds = 10
)

var dialect = sqlquery.Dialect{
	Quote: func(ident string) string {
		return pgx.Identifier{ident}.Sanitize()
	},
	Placeholder: sqlquery.DollarPlaceholder,
	NoLimit:     "ALL",
}

// Client is a remote.Client backed by a pgx pool
type Client struct {
	pool *pgxpool.Pool
}

var _ remote.Client = (*Client)(nil)

type options struct {
	password        string
	maxConns        int32
	connMaxLifetime time.Duration
}

// Option configures the connection pool
type Option func(*options)

// WithPassword sets the password, overriding any in the connection string
func WithPassword(password string) Option {
	return func(o *options) {
		o.password = password
	}
}

// WithMaxConns caps the pool size
func WithMaxConns(n int32) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// WithConnMaxLifetime sets the maximum lifetime of a pooled connection
func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *options) {
		o.connMaxLifetime = d
	}
}

// New creates a pool for connString. No connection is made until the first
// operation; use Ping to verify the target.
func New(ctx context.Context, connString string, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if o.password != "" {
		poolConfig.ConnConfig.Password = o.password
	}
	if poolConfig.ConnConfig.ConnectTimeout == 0 {
		poolConfig.ConnConfig.ConnectTimeout = defaultConnectTimeoutSeconds * time.Second
	}
	if o.maxConns > 0 {
		poolConfig.MaxConns = o.maxConns
	}
	if o.connMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = o.connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	slog.Debug("Database connection pool created",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database)

	return &Client{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the pool
// only until Close is called on the client.
func NewWithPool(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// Select implements remote.Client
func (c *Client) Select(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	sql, args := dialect.Select(table, q)

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}

	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(remote.OpSelect, table, err)
	}
	return result, nil
}

// Insert implements remote.Client
func (c *Client) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	sql, args := dialect.Insert(table, row)

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(remote.OpInsert, table, err)
	}

	stored, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify(remote.OpInsert, table, err)
	}
	return stored, nil
}

// Upsert implements remote.Client
func (c *Client) Upsert(ctx context.Context, table string, row remote.Row, conflictColumn string) error {
	sql, args, err := dialect.Upsert(table, row, conflictColumn)
	if err != nil {
		return remote.NewOperationError(remote.OpUpsert, table, remote.KindAPI, err)
	}

	if _, err := c.pool.Exec(ctx, sql, args...); err != nil {
		return classify(remote.OpUpsert, table, err)
	}
	return nil
}

// Ping implements remote.Client
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return classify(remote.OpPing, "", err)
	}
	return nil
}

// Close implements remote.Client
func (c *Client) Close() error {
	if c.pool != nil {
		slog.Debug("Closing database connection pool")
		c.pool.Close()
	}
	return nil
}

// classify maps pgx errors onto remote error kinds. Errors reported by the
// server are API errors, except rejected credentials. Anything else means
// the server could not be reached or the connection broke.
func classify(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidPassword, codeInvalidAuthorization, codeInsufficientPrivilege:
			return remote.NewOperationError(op, table, remote.KindAuth, err)
		default:
			return remote.NewOperationError(op, table, remote.KindAPI, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, pgx.ErrTooManyRows) {
		return remote.NewOperationError(op, table, remote.KindAPI, err)
	}
	return remote.NewOperationError(op, table, remote.KindTransport, err)
}
