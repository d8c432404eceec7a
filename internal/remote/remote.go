package remote

import (
	"context"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=remote.go Client

const (
	// DefaultMetadataTable is the metadata table used when none is configured.
	DefaultMetadataTable = "homeassistant_metadata"
	// DefaultItemsTable is the item history table used when none is configured.
	DefaultItemsTable = "homeassistant_entities"
)

// Row is a remote row keyed by column name.
type Row = record.Row

// Filter is an equality predicate on a single column.
type Filter struct {
	Column string
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: value}
}

// Order sorts a select by one column.
type Order struct {
	Column     string
	Descending bool
}

// Query narrows a select. The zero value selects every row in backend order.
type Query struct {
	Filters []Filter
	Order   *Order
	// Limit caps the number of rows returned; zero means no limit.
	Limit  int
	Offset int
}

// Client is an authenticated handle to a remote store.
type Client interface {
	// Select returns the rows of table matching q.
	Select(ctx context.Context, table string, q Query) ([]Row, error)

	// Insert writes row and returns it as stored, including remote defaults.
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// Upsert inserts row or, when a row with the same conflictColumn value
	// exists, updates that row with the supplied columns.
	Upsert(ctx context.Context, table string, row Row, conflictColumn string) error

	// Ping checks that the store is reachable and the credential accepted.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Tables names the two tables a coordinator works with.
type Tables struct {
	Metadata string
	Items    string
}

// DefaultTables returns the table names the original schema uses.
func DefaultTables() Tables {
	return Tables{Metadata: DefaultMetadataTable, Items: DefaultItemsTable}
}

// WithDefaults fills empty names with the defaults.
func (t Tables) WithDefaults() Tables {
	if t.Metadata == "" {
		t.Metadata = DefaultMetadataTable
	}
	if t.Items == "" {
		t.Items = DefaultItemsTable
	}
	return t
}
