package queryir

import (
	"regexp"
	"strings"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
)

// Query is a pushdown query. Sealed to this package.
type Query interface {
	queryNode()
}

// Predicate is a filter condition of a Select. Sealed to this package.
type Predicate interface {
	predicateNode()
}

// Select lists the records of one collection in storage order.
//
// Semantics:
//
//	SELECT id, data, created, updated FROM <records>
//	WHERE collection = <Collection> AND <Filter>
//	ORDER BY seq, id
type Select struct {
	Collection string    // collection name
	Filter     Predicate // nil lists every record
}

func (Select) queryNode() {}

// Equals compares a field to a string literal.
//
// Metadata fields (id, created, updated) compare their column. Any other
// field is a dotted path into the record data; records whose value at the
// path is not a string are kept, since Go comparison may still match them.
type Equals struct {
	Field string
	Value string
}

func (Equals) predicateNode() {}

// Meta reports whether the field is stored in its own column.
func (e Equals) Meta() bool {
	return IsMeta(e.Field)
}

// Path splits a data field into its segments.
func (e Equals) Path() []string {
	return strings.Split(e.Field, ".")
}

// And is a conjunction. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// IsMeta reports whether field names a metadata column.
func IsMeta(field string) bool {
	switch field {
	case record.FieldID, record.FieldCreated, record.FieldUpdated:
		return true
	}
	return false
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidField reports whether field can be embedded in a data path.
func ValidField(field string) bool {
	return fieldPattern.MatchString(field)
}

// FromFilter builds the Select that narrows a listing of collection for f.
// Clauses without an exact database form are left out.
func FromFilter(collection string, f remote.Filter) Select {
	var preds []Predicate
	for _, c := range f {
		if p, ok := pushdown(c); ok {
			preds = append(preds, p)
		}
	}

	sel := Select{Collection: collection}
	switch len(preds) {
	case 0:
	case 1:
		sel.Filter = preds[0]
	default:
		sel.Filter = And{Predicates: preds}
	}
	return sel
}

func pushdown(c remote.Clause) (Predicate, bool) {
	if c.Op != "=" || !ValidField(c.Field) {
		return nil, false
	}
	s, ok := c.Value.(string)
	if !ok {
		return nil, false
	}
	if strings.Contains(c.Field, ".") && IsMeta(strings.SplitN(c.Field, ".", 2)[0]) {
		return nil, false
	}
	return Equals{Field: c.Field, Value: s}, true
}
