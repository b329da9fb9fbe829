// Package querysql compiles queryir queries to parameterized SQL for the
// SQLite and PostgreSQL record stores.
//
// All values, data paths included, are bound as parameters. Every query
// orders by (seq, id) so listings keep storage order.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/roach88/recsync/internal/queryir"
)

// Dialect selects placeholder and JSON syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	}
	return "dialect(" + strconv.Itoa(int(d)) + ")"
}

// columns are selected in the order stores scan them.
const columns = "id, data, created, updated"

// SQLCompiler compiles queries against one records table.
type SQLCompiler struct {
	Dialect Dialect
	Table   string
}

// NewSQLCompiler returns a compiler for table in dialect d.
func NewSQLCompiler(d Dialect, table string) *SQLCompiler {
	return &SQLCompiler{Dialect: d, Table: table}
}

// compilation accumulates bound parameters for one query.
type compilation struct {
	dialect Dialect
	params  []any
}

// bind appends v and returns its placeholder.
func (c *compilation) bind(v any) string {
	c.params = append(c.params, v)
	if c.dialect == Postgres {
		return "$" + strconv.Itoa(len(c.params))
	}
	return "?"
}

// Compile converts q to SQL and its parameters.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if res := queryir.Validate(q); !res.IsPushable {
		return "", nil, fmt.Errorf("query cannot be pushed down: %s", strings.Join(res.Problems, "; "))
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	comp := &compilation{dialect: c.Dialect}

	where := "collection = " + comp.bind(q.Collection)
	if q.Filter != nil {
		filterSQL, err := c.compilePredicate(comp, q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where += " AND " + filterSQL
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		columns,
		quoteIdentifier(c.Table),
		where,
		c.stableOrderKey())
	return sql, comp.params, nil
}

// stableOrderKey orders by insertion sequence with the id as tiebreaker.
func (c *SQLCompiler) stableOrderKey() string {
	if c.Dialect == SQLite {
		return "seq ASC, id COLLATE BINARY ASC"
	}
	return "seq ASC, id ASC"
}

func (c *SQLCompiler) compilePredicate(comp *compilation, p queryir.Predicate) (string, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(comp, pred), nil
	case *queryir.Equals:
		return c.compileEquals(comp, *pred), nil
	case queryir.And:
		return c.compileAnd(comp, pred)
	case *queryir.And:
		return c.compileAnd(comp, *pred)
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals compares a metadata column directly. A data field keeps
// rows whose value is not a string, so the result only ever narrows.
func (c *SQLCompiler) compileEquals(comp *compilation, eq queryir.Equals) string {
	if eq.Meta() {
		return eq.Field + " = " + comp.bind(eq.Value)
	}

	if c.Dialect == Postgres {
		path := pq.Array(eq.Path())
		return fmt.Sprintf("(jsonb_typeof(data::jsonb #> %s::text[]) IS DISTINCT FROM 'string' OR data::jsonb #>> %s::text[] = %s)",
			comp.bind(path), comp.bind(path), comp.bind(eq.Value))
	}

	path := "$." + eq.Field
	return fmt.Sprintf("(json_type(data, %s) IS NOT 'text' OR json_extract(data, %s) = %s)",
		comp.bind(path), comp.bind(path), comp.bind(eq.Value))
}

func (c *SQLCompiler) compileAnd(comp *compilation, and queryir.And) (string, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil
	}

	parts := make([]string, 0, len(and.Predicates))
	for _, pred := range and.Predicates {
		sql, err := c.compilePredicate(comp, pred)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " AND "), nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
