package sqlquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

var pg = Dialect{Quote: DoubleQuote, Placeholder: DollarPlaceholder, NoLimit: "ALL"}

func TestSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		query    remote.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "all rows",
			query:    remote.Query{},
			wantSQL:  `SELECT * FROM "items"`,
			wantArgs: []any{},
		},
		{
			name: "latest row for one item",
			query: remote.Query{
				Filters: []remote.Filter{remote.Eq("item_id", "sensor.temp")},
				Order:   &remote.Order{Column: "id", Descending: true},
				Limit:   1,
			},
			wantSQL:  `SELECT * FROM "items" WHERE "item_id" = $1 ORDER BY "id" DESC LIMIT 1`,
			wantArgs: []any{"sensor.temp"},
		},
		{
			name: "page with two filters",
			query: remote.Query{
				Filters: []remote.Filter{remote.Eq("a", 1), remote.Eq("b", true)},
				Order:   &remote.Order{Column: "id"},
				Limit:   10,
				Offset:  20,
			},
			wantSQL:  `SELECT * FROM "items" WHERE "a" = $1 AND "b" = $2 ORDER BY "id" ASC LIMIT 10 OFFSET 20`,
			wantArgs: []any{1, true},
		},
		{
			name:     "offset without limit",
			query:    remote.Query{Offset: 5},
			wantSQL:  `SELECT * FROM "items" LIMIT ALL OFFSET 5`,
			wantArgs: []any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sql, args := pg.Select("items", tt.query)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestInsert(t *testing.T) {
	t.Parallel()

	sql, args := pg.Insert("items", remote.Row{"state": "on", "item_id": "light.a"})
	assert.Equal(t, `INSERT INTO "items" ("item_id", "state") VALUES ($1, $2) RETURNING *`, sql)
	assert.Equal(t, []any{"light.a", "on"}, args)

	sql, args = pg.Insert("items", remote.Row{})
	assert.Equal(t, `INSERT INTO "items" DEFAULT VALUES RETURNING *`, sql)
	assert.Empty(t, args)
}

func TestUpsert(t *testing.T) {
	t.Parallel()

	sql, args, err := pg.Upsert("meta", remote.Row{"id": 1, "provisioned": true}, "id")
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "meta" ("id", "provisioned") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "provisioned" = excluded."provisioned"`,
		sql)
	assert.Equal(t, []any{1, true}, args)

	sql, _, err = pg.Upsert("meta", remote.Row{"id": 1}, "id")
	require.NoError(t, err)
	assert.Contains(t, sql, "DO NOTHING")

	_, _, err = pg.Upsert("meta", remote.Row{"provisioned": true}, "id")
	assert.Error(t, err)
}

func TestQuoting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"we""ird"`, DoubleQuote(`we"ird`))
	assert.Equal(t, "?3", QuestionPlaceholder(3))
}
