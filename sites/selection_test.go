package sites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedChapters() []Chapter {
	chapters := []Chapter{
		{ID: "c3", Name: "Chapter 3", Number: 3},
		{ID: "c1", Name: "Chapter 1", Number: 1},
		{ID: "c25", Name: "Chapter 2.5 Extra", Number: 2.5},
		{ID: "c2", Name: "Chapter 2", Number: 2},
		{ID: "c10", Name: "Chapter 10", Number: 10},
	}
	SortChapters(chapters)
	return chapters
}

func ids(chapters []Chapter) []string {
	out := make([]string, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, ch.ID)
	}
	return out
}

func TestSortChapters(t *testing.T) {
	assert.Equal(t, []string{"c1", "c2", "c25", "c3", "c10"}, ids(sortedChapters()))
}

func TestSelection(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"", []string{"c1", "c2", "c25", "c3", "c10"}},
		{"all", []string{"c1", "c2", "c25", "c3", "c10"}},
		{"newest2", []string{"c10", "c3"}},
		{"newest9", []string{"c10", "c3", "c25", "c2", "c1"}},
		{"2-3", []string{"c2", "c25"}},
		{"4-9", []string{"c3", "c10"}},
		{"1,5", []string{"c1", "c10"}},
		{".5", []string{"c25"}},
		{"s:extra", []string{"c25"}},
		{"search:CHAPTER 1", []string{"c1", "c10"}},
		{"10", []string{"c10"}},
		{"2.5", []string{"c25"}},
		{"7", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sel, err := ParseSelection(tt.expr)
			require.NoError(t, err)
			got := sel.Apply(sortedChapters())
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestParseSelection_Invalid(t *testing.T) {
	for _, expr := range []string{"newest", "newest0", "5-2", "a-b", "1,x", "s:", ".", "latest"} {
		_, err := ParseSelection(expr)
		assert.Error(t, err, expr)
	}
}

func TestSelectByKeys(t *testing.T) {
	got := SelectByKeys(sortedChapters(), []string{"c3", "2.5", " ", "10.0"})
	assert.Equal(t, []string{"c25", "c3", "c10"}, ids(got))
}
