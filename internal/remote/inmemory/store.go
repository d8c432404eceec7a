// Package inmemory provides a process-local remote.Client. It keeps every
// table as an ordered slice of rows, assigns ids and created_at the way the
// SQL schema does, and can be told to fail operations for testing.
package inmemory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// FaultFunc is consulted before every operation. A non-nil return fails the
// operation with that error, classified as an API error.
type FaultFunc func(op, table string) error

type table struct {
	rows   []remote.Row
	nextID int64
}

// Store is an in-memory remote store. The zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  map[string]int
	fault  FaultFunc
	now    func() time.Time
	closed bool
}

var _ remote.Client = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]*table),
		calls:  make(map[string]int),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InjectFault installs f, replacing any previous fault. Pass nil to clear it.
func (s *Store) InjectFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Calls returns how many times op was attempted.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes the operation counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.calls)
}

// Rows returns a copy of every row in table in insertion order.
func (s *Store) Rows(name string) []remote.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]remote.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = cloneRow(r)
	}
	return out
}

// Seed appends rows to table without going through the fault hook or the
// call counters.
func (s *Store) Seed(name string, rows ...remote.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(name)
	for _, r := range rows {
		t.insert(cloneRow(r), s.now())
	}
}

// Select implements remote.Client.
func (s *Store) Select(ctx context.Context, name string, q remote.Query) ([]remote.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, remote.OpSelect, name); err != nil {
		return nil, err
	}

	t, ok := s.tables[name]
	if !ok {
		return []remote.Row{}, nil
	}

	var matched []remote.Row
	for _, r := range t.rows {
		if matches(r, q.Filters) {
			matched = append(matched, r)
		}
	}

	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Descending
		slices.SortStableFunc(matched, func(a, b remote.Row) int {
			c := compareValues(a[col], b[col])
			if desc {
				return -c
			}
			return c
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]remote.Row, len(matched))
	for i, r := range matched {
		out[i] = cloneRow(r)
	}
	return out, nil
}

// Insert implements remote.Client.
func (s *Store) Insert(ctx context.Context, name string, row remote.Row) (remote.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, remote.OpInsert, name); err != nil {
		return nil, err
	}

	t := s.table(name)
	if id, ok := row[record.ColumnID]; ok && t.find(record.ColumnID, id) >= 0 {
		return nil, remote.NewOperationError(remote.OpInsert, name, remote.KindAPI,
			fmt.Errorf("duplicate key value for id %v", id))
	}
	stored := t.insert(cloneRow(row), s.now())
	return cloneRow(stored), nil
}

// Upsert implements remote.Client.
func (s *Store) Upsert(ctx context.Context, name string, row remote.Row, conflictColumn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, remote.OpUpsert, name); err != nil {
		return err
	}

	t := s.table(name)
	key, ok := row[conflictColumn]
	if !ok {
		return remote.NewOperationError(remote.OpUpsert, name, remote.KindAPI,
			fmt.Errorf("row has no value for conflict column %q", conflictColumn))
	}
	if i := t.find(conflictColumn, key); i >= 0 {
		maps.Copy(t.rows[i], cloneRow(row))
		return nil
	}
	t.insert(cloneRow(row), s.now())
	return nil
}

// Ping implements remote.Client.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(ctx, remote.OpPing, "")
}

// Close implements remote.Client. Operations after Close fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// begin runs the shared checks for an operation. Callers hold s.mu.
func (s *Store) begin(ctx context.Context, op, name string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return remote.NewOperationError(op, name, remote.KindTransport, err)
	}
	if s.closed {
		return remote.NewOperationError(op, name, remote.KindTransport, fmt.Errorf("store is closed"))
	}
	if s.fault != nil {
		if err := s.fault(op, name); err != nil {
			return remote.NewOperationError(op, name, remote.KindAPI, err)
		}
	}
	return nil
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{nextID: 1}
		s.tables[name] = t
	}
	return t
}

func (t *table) insert(row remote.Row, now time.Time) remote.Row {
	if raw, ok := row[record.ColumnID]; ok {
		if id, ok := toInt64(raw); ok && id >= t.nextID {
			t.nextID = id + 1
		}
	} else {
		row[record.ColumnID] = t.nextID
		t.nextID++
	}
	if _, ok := row[record.ColumnCreatedAt]; !ok {
		row[record.ColumnCreatedAt] = now.UTC()
	}
	t.rows = append(t.rows, row)
	return row
}

func (t *table) find(column string, value any) int {
	for i, r := range t.rows {
		if v, ok := r[column]; ok && compareValues(v, value) == 0 {
			return i
		}
	}
	return -1
}

func matches(row remote.Row, filters []remote.Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok || compareValues(v, f.Value) != 0 {
			return false
		}
	}
	return true
}

func cloneRow(r remote.Row) remote.Row {
	out := maps.Clone(r)
	if attrs, ok := out[record.ColumnAttributes].(map[string]any); ok {
		out[record.ColumnAttributes] = maps.Clone(attrs)
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// compareValues orders numbers numerically, times chronologically and
// everything else by its printed form. nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if x, ok := toInt64(a); ok {
		if y, ok := toInt64(b); ok {
			return cmp.Compare(x, y)
		}
	}
	if x, ok := a.(time.Time); ok {
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
