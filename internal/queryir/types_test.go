package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/remote"
)

func TestFromFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   Predicate
	}{
		{
			name:   "empty",
			filter: "",
			want:   nil,
		},
		{
			name:   "single string equality",
			filter: "title = 'milk'",
			want:   Equals{Field: "title", Value: "milk"},
		},
		{
			name:   "metadata column",
			filter: "id = 'r1'",
			want:   Equals{Field: "id", Value: "r1"},
		},
		{
			name:   "nested path",
			filter: `owner.name = "kim"`,
			want:   Equals{Field: "owner.name", Value: "kim"},
		},
		{
			name:   "conjunction keeps pushable clauses",
			filter: "title = 'milk' && done = false && priority > 2 && list = 'home'",
			want: And{Predicates: []Predicate{
				Equals{Field: "title", Value: "milk"},
				Equals{Field: "list", Value: "home"},
			}},
		},
		{
			name:   "nothing pushable",
			filter: "done != true && title ~ 'mi' && priority = 3",
			want:   nil,
		},
		{
			name:   "path below a metadata field",
			filter: "id.x = 'a'",
			want:   nil,
		},
		{
			name:   "field starting with a digit",
			filter: "1st = 'a'",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := remote.ParseFilter(tt.filter)
			require.NoError(t, err)

			sel := FromFilter("todos", f)
			assert.Equal(t, "todos", sel.Collection)
			assert.Equal(t, tt.want, sel.Filter)
			assert.True(t, Validate(sel).IsPushable)
		})
	}
}

func TestEquals_MetaAndPath(t *testing.T) {
	assert.True(t, Equals{Field: "created"}.Meta())
	assert.False(t, Equals{Field: "title"}.Meta())
	assert.Equal(t, []string{"owner", "name"}, Equals{Field: "owner.name"}.Path())
}

func TestValidField(t *testing.T) {
	tests := []struct {
		field string
		want  bool
	}{
		{"title", true},
		{"_private", true},
		{"owner.name", true},
		{"a1.b2.c3", true},
		{"", false},
		{"1st", false},
		{"owner.", false},
		{".owner", false},
		{"a..b", false},
		{"a'b", false},
		{"a b", false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidField(tt.field))
		})
	}
}
