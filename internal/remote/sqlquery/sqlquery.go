// Package sqlquery renders remote queries as SQL for the relational backends.
package sqlquery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// Dialect holds the parts of SQL that differ between backends.
type Dialect struct {
	// Quote quotes an identifier.
	Quote func(ident string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// NoLimit is the LIMIT value meaning "all rows", needed when only an
	// offset is set.
	NoLimit string
}

// DoubleQuote quotes an identifier with ANSI double quotes.
func DoubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// QuestionPlaceholder renders ?1, ?2, ...
func QuestionPlaceholder(n int) string {
	return "?" + strconv.Itoa(n)
}

// Select renders a SELECT * for q.
func (d Dialect) Select(table string, q remote.Query) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(q.Filters))

	b.WriteString("SELECT * FROM ")
	b.WriteString(d.Quote(table))

	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&b, "%s = %s", d.Quote(f.Column), d.Placeholder(len(args)))
	}

	if q.Order != nil {
		fmt.Fprintf(&b, " ORDER BY %s", d.Quote(q.Order.Column))
		if q.Order.Descending {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}

	switch {
	case q.Limit > 0:
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	case q.Offset > 0:
		fmt.Fprintf(&b, " LIMIT %s", d.NoLimit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}

	return b.String(), args
}

// Insert renders an INSERT of row returning the stored row.
func (d Dialect) Insert(table string, row remote.Row) (string, []any) {
	columns := Columns(row)
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", d.Quote(table)), nil
	}

	quoted, placeholders, args := d.values(columns, row)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", ")), args
}

// Upsert renders an INSERT ... ON CONFLICT that updates every supplied column
// other than conflictColumn.
func (d Dialect) Upsert(table string, row remote.Row, conflictColumn string) (string, []any, error) {
	if _, ok := row[conflictColumn]; !ok {
		return "", nil, fmt.Errorf("upsert row has no value for conflict column %q", conflictColumn)
	}

	columns := Columns(row)
	quoted, placeholders, args := d.values(columns, row)

	var updates []string
	for _, c := range columns {
		if c == conflictColumn {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c)))
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		d.Quote(conflictColumn), action), args, nil
}

func (d Dialect) values(columns []string, row remote.Row) (quoted, placeholders []string, args []any) {
	quoted = make([]string, len(columns))
	placeholders = make([]string, len(columns))
	args = make([]any, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
		placeholders[i] = d.Placeholder(i + 1)
		args[i] = row[c]
	}
	return quoted, placeholders, args
}

// Columns returns the column names of row in a stable order.
func Columns(row remote.Row) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	slices.Sort(columns)
	return columns
}
