package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/recsync/internal/record"
)

// Clause is one "field op value" comparison.
type Clause struct {
	Field string
	Op    string
	Value any
}

// Filter is a conjunction of clauses.
type Filter []Clause

var filterOps = []string{"!=", ">=", "<=", "!~", "=", ">", "<", "~"}

// ParseFilter parses clauses like `done = false && title ~ 'milk'`.
// String literals use single or double quotes; bare literals are numbers,
// true, false or null.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var f Filter
	for _, part := range splitOutsideQuotes(s, "&&") {
		c, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", s, err)
		}
		f = append(f, c)
	}
	return f, nil
}

func parseClause(s string) (Clause, error) {
	end := 0
	for end < len(s) && (s[end] == '_' || s[end] == '.' || unicode.IsLetter(rune(s[end])) || unicode.IsDigit(rune(s[end]))) {
		end++
	}
	if end == 0 {
		return Clause{}, fmt.Errorf("expected field name in %q", s)
	}
	field := s[:end]
	rest := strings.TrimSpace(s[end:])

	var op string
	for _, candidate := range filterOps {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return Clause{}, fmt.Errorf("expected operator after %q", field)
	}

	val, err := parseLiteral(strings.TrimSpace(rest[len(op):]))
	if err != nil {
		return Clause{}, err
	}
	return Clause{Field: field, Op: op, Value: val}, nil
}

func parseLiteral(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	if (s[0] == '\'' || s[0] == '"') && len(s) >= 2 && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q", s)
	}
	return n, nil
}

// splitOutsideQuotes splits s on sep, ignoring occurrences inside quotes.
func splitOutsideQuotes(s, sep string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Match reports whether r satisfies every clause.
func (f Filter) Match(r record.Record) bool {
	for _, c := range f {
		if !c.match(lookupPath(r, c.Field)) {
			return false
		}
	}
	return true
}

func (c Clause) match(v any) bool {
	switch c.Op {
	case "=":
		return compareValues(v, c.Value) == 0
	case "!=":
		return compareValues(v, c.Value) != 0
	case ">":
		return orderable(v, c.Value) && compareValues(v, c.Value) > 0
	case ">=":
		return orderable(v, c.Value) && compareValues(v, c.Value) >= 0
	case "<":
		return orderable(v, c.Value) && compareValues(v, c.Value) < 0
	case "<=":
		return orderable(v, c.Value) && compareValues(v, c.Value) <= 0
	case "~":
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(c.Value)))
	case "!~":
		return !strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(c.Value)))
	}
	return false
}

func lookupPath(r record.Record, path string) any {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case record.Record:
		return m, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func orderable(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	_, an := toFloat(a)
	_, bn := toFloat(b)
	if an && bn {
		return true
	}
	_, as := a.(string)
	_, bs := b.(string)
	return as && bs
}

// compareValues orders two scalar values: nil first, then numbers, then
// booleans, then strings.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// SortKey is one field of a sort expression.
type SortKey struct {
	Field string
	Desc  bool
}

// ParseSort parses "-created,title" into sort keys.
func ParseSort(s string) ([]SortKey, error) {
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := SortKey{Field: part}
		switch part[0] {
		case '-':
			key = SortKey{Field: part[1:], Desc: true}
		case '+':
			key.Field = part[1:]
		}
		if key.Field == "" {
			return nil, fmt.Errorf("sort %q: empty field", s)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SortRecords orders records by keys. The sort is stable so records with
// equal keys keep their storage order.
func SortRecords(records []record.Record, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(lookupPath(records[i], k.Field), lookupPath(records[j], k.Field))
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// ParseExpand splits an expand list into field names.
func ParseExpand(s string) []string {
	var fields []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			fields = append(fields, part)
		}
	}
	return fields
}

// Expand embeds, under the "expand" key, the records referenced by each
// named relation field. lookup resolves an id; unknown ids are skipped.
func Expand(r record.Record, fields []string, lookup func(id string) (record.Record, bool)) record.Record {
	if len(fields) == 0 {
		return r
	}
	expanded := map[string]any{}
	for _, field := range fields {
		switch ref := r[field].(type) {
		case string:
			if rel, ok := lookup(ref); ok {
				expanded[field] = rel
			}
		case []any:
			var rels []any
			for _, item := range ref {
				if id, ok := item.(string); ok {
					if rel, ok := lookup(id); ok {
						rels = append(rels, rel)
					}
				}
			}
			if len(rels) > 0 {
				expanded[field] = rels
			}
		}
	}
	if len(expanded) == 0 {
		return r
	}
	out := r.Clone()
	out[record.FieldExpand] = expanded
	return out
}

// Apply runs filter, sort and expand over records already loaded in storage
// order. Stores that cannot push these into their query use it directly.
func Apply(records []record.Record, opts FetchOptions, lookup func(id string) (record.Record, bool)) ([]record.Record, error) {
	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	keys, err := ParseSort(opts.Sort)
	if err != nil {
		return nil, err
	}
	expand := ParseExpand(opts.Expand)

	out := make([]record.Record, 0, len(records))
	for _, r := range records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	SortRecords(out, keys)
	if lookup != nil {
		for i, r := range out {
			out[i] = Expand(r, expand, lookup)
		}
	}
	return out, nil
}
