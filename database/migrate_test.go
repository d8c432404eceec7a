package database

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, connString, cleanupFunc := SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanupFunc)

	var count int
	err := pool.QueryRow(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_name IN ('homeassistant_metadata', 'homeassistant_entities')",
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	columnType := func(table, column string) string {
		var dataType string
		err := pool.QueryRow(ctx,
			"SELECT data_type FROM information_schema.columns WHERE table_name = $1 AND column_name = $2",
			table, column,
		).Scan(&dataType)
		require.NoError(t, err, "%s.%s", table, column)
		return dataType
	}
	assert.Equal(t, "jsonb", columnType("homeassistant_metadata", "data"))
	assert.Equal(t, "boolean", columnType("homeassistant_metadata", "provisioned"))
	assert.Equal(t, "timestamp with time zone", columnType("homeassistant_entities", "last_changed"))
	assert.Equal(t, "timestamp with time zone", columnType("homeassistant_entities", "created_at"))
	assert.Equal(t, "jsonb", columnType("homeassistant_entities", "attributes"))

	m, err := NewFromConnectionString(connString)
	require.NoError(t, err)
	defer m.Close()

	// SetupTestDBContainer already applied everything
	require.NoError(t, MigrateUp(m))

	fnames, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	n := len(fnames)

	require.NoError(t, MigrateDown(m, n))
	_, _, err = m.Version()
	assert.Error(t, err, "no version after reverting every migration")

	require.NoError(t, m.Steps(n))
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(n), version)
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", want: "pgx5://u:p@localhost:5432/db?sslmode=disable"},
		{in: "postgresql://localhost/db", want: "pgx5://localhost/db"},
		{in: "pgx5://localhost/db", want: "pgx5://localhost/db"},
		{in: "host=localhost dbname=db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := migrateURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	t.Parallel()

	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
