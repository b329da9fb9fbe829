package querysql

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/queryir"
)

func TestCompile_SelectWithoutFilter(t *testing.T) {
	sql, params, err := NewSQLCompiler(SQLite, "records").Compile(queryir.Select{Collection: "todos"})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT id, data, created, updated FROM "records" WHERE collection = ? ORDER BY seq ASC, id COLLATE BINARY ASC`,
		sql)
	assert.Equal(t, []any{"todos"}, params)
}

func TestCompile_SQLite(t *testing.T) {
	tests := []struct {
		name   string
		filter queryir.Predicate
		where  string
		params []any
	}{
		{
			name:   "metadata column",
			filter: queryir.Equals{Field: "id", Value: "r1"},
			where:  "id = ?",
			params: []any{"todos", "r1"},
		},
		{
			name:   "data field",
			filter: &queryir.Equals{Field: "owner.name", Value: "kim"},
			where:  "(json_type(data, ?) IS NOT 'text' OR json_extract(data, ?) = ?)",
			params: []any{"todos", "$.owner.name", "$.owner.name", "kim"},
		},
		{
			name: "conjunction",
			filter: queryir.And{Predicates: []queryir.Predicate{
				queryir.Equals{Field: "created", Value: "2024-01-01 00:00:00.000Z"},
				queryir.Equals{Field: "title", Value: "milk"},
			}},
			where:  "created = ? AND (json_type(data, ?) IS NOT 'text' OR json_extract(data, ?) = ?)",
			params: []any{"todos", "2024-01-01 00:00:00.000Z", "$.title", "$.title", "milk"},
		},
		{
			name:   "empty conjunction",
			filter: &queryir.And{},
			where:  "1 = 1",
			params: []any{"todos"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := NewSQLCompiler(SQLite, "records").Compile(&queryir.Select{Collection: "todos", Filter: tt.filter})
			require.NoError(t, err)

			assert.Equal(t,
				`SELECT id, data, created, updated FROM "records" WHERE collection = ? AND `+tt.where+` ORDER BY seq ASC, id COLLATE BINARY ASC`,
				sql)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestCompile_Postgres(t *testing.T) {
	q := queryir.Select{Collection: "todos", Filter: queryir.And{Predicates: []queryir.Predicate{
		queryir.Equals{Field: "updated", Value: "2024-01-01 00:00:00.000Z"},
		queryir.Equals{Field: "owner.name", Value: "kim"},
	}}}

	sql, params, err := NewSQLCompiler(Postgres, `my"records`).Compile(q)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT id, data, created, updated FROM "my""records" WHERE collection = $1 AND updated = $2 AND `+
			`(jsonb_typeof(data::jsonb #> $3::text[]) IS DISTINCT FROM 'string' OR data::jsonb #>> $4::text[] = $5) `+
			`ORDER BY seq ASC, id ASC`,
		sql)
	path := pq.Array([]string{"owner", "name"})
	assert.Equal(t, []any{"todos", "2024-01-01 00:00:00.000Z", path, path, "kim"}, params)
}

func TestCompile_ValuesAreNeverInterpolated(t *testing.T) {
	for _, d := range []Dialect{SQLite, Postgres} {
		t.Run(d.String(), func(t *testing.T) {
			sql, _, err := NewSQLCompiler(d, "records").Compile(queryir.Select{
				Collection: "todos",
				Filter:     queryir.Equals{Field: "title", Value: "x' OR '1'='1"},
			})
			require.NoError(t, err)
			assert.NotContains(t, sql, "x'")
			assert.NotContains(t, sql, "todos")
			assert.NotContains(t, sql, "title")
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query queryir.Query
		want  string
	}{
		{"nil query", nil, "nil query"},
		{"missing collection", queryir.Select{}, "select without collection"},
		{"unsafe field", queryir.Select{Collection: "todos", Filter: queryir.Equals{Field: "a b"}}, "dotted identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewSQLCompiler(SQLite, "records").Compile(tt.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDialectString(t *testing.T) {
	assert.Equal(t, "sqlite", SQLite.String())
	assert.Equal(t, "postgres", Postgres.String())
	assert.Equal(t, "dialect(7)", Dialect(7).String())
}
