package sites

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const keyTolerance = 0.001

// SortChapters orders chapters by number, then by lowercase name.
func SortChapters(chapters []Chapter) {
	sort.SliceStable(chapters, func(i, j int) bool {
		if chapters[i].Number != chapters[j].Number {
			return chapters[i].Number < chapters[j].Number
		}
		return strings.ToLower(chapters[i].Name) < strings.ToLower(chapters[j].Name)
	})
}

type selectionKind int

const (
	selectAll selectionKind = iota
	selectNewest
	selectRange
	selectIndexes
	selectDecimal
	selectName
	selectNumber
)

// Selection picks chapters out of a sorted chapter list. Expressions:
//
//	all        every chapter
//	newestN    the N highest numbered chapters, newest first
//	x-y        positions x to y (1-based, inclusive)
//	x,y,z      the listed positions
//	.x         chapters whose number has decimal part .x (e.g. .5)
//	s:term     chapters whose name contains term
//	12.5       chapters numbered exactly 12.5
type Selection struct {
	kind    selectionKind
	n       int
	from    int
	to      int
	indexes map[int]bool
	value   float64
	term    string
}

// ParseSelection parses a selection expression. An empty expression selects all.
func ParseSelection(expr string) (Selection, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	switch {
	case expr == "" || expr == "all":
		return Selection{kind: selectAll}, nil

	case strings.HasPrefix(expr, "newest"):
		n, err := strconv.Atoi(strings.TrimPrefix(expr, "newest"))
		if err != nil || n < 1 {
			return Selection{}, fmt.Errorf("invalid selection %q: newest needs a positive count", expr)
		}
		return Selection{kind: selectNewest, n: n}, nil

	case strings.HasPrefix(expr, "s:") || strings.HasPrefix(expr, "search:"):
		term := strings.TrimPrefix(strings.TrimPrefix(expr, "search:"), "s:")
		if term == "" {
			return Selection{}, fmt.Errorf("invalid selection %q: empty search term", expr)
		}
		return Selection{kind: selectName, term: term}, nil

	case strings.HasPrefix(expr, "."):
		v, err := strconv.ParseFloat("0"+expr, 64)
		if err != nil || v == 0 {
			return Selection{}, fmt.Errorf("invalid selection %q: bad decimal part", expr)
		}
		return Selection{kind: selectDecimal, value: v}, nil

	case strings.Contains(expr, "-"):
		from, to, ok := strings.Cut(expr, "-")
		a, errA := strconv.Atoi(strings.TrimSpace(from))
		b, errB := strconv.Atoi(strings.TrimSpace(to))
		if !ok || errA != nil || errB != nil || a < 1 || b < a {
			return Selection{}, fmt.Errorf("invalid selection %q: want a range like 10-20", expr)
		}
		return Selection{kind: selectRange, from: a, to: b}, nil

	case strings.Contains(expr, ","):
		indexes := make(map[int]bool)
		for _, part := range strings.Split(expr, ",") {
			i, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || i < 1 {
				return Selection{}, fmt.Errorf("invalid selection %q: want positions like 1,3,5", expr)
			}
			indexes[i] = true
		}
		return Selection{kind: selectIndexes, indexes: indexes}, nil
	}

	v, err := strconv.ParseFloat(expr, 64)
	if err != nil {
		return Selection{}, fmt.Errorf("invalid selection %q", expr)
	}
	return Selection{kind: selectNumber, value: v}, nil
}

// Apply returns the selected chapters of sorted.
func (s Selection) Apply(sorted []Chapter) []Chapter {
	var out []Chapter

	switch s.kind {
	case selectAll:
		return sorted

	case selectNewest:
		for i := len(sorted) - 1; i >= 0 && len(out) < s.n; i-- {
			out = append(out, sorted[i])
		}

	case selectRange:
		for i := s.from; i <= s.to && i <= len(sorted); i++ {
			out = append(out, sorted[i-1])
		}

	case selectIndexes:
		for i, ch := range sorted {
			if s.indexes[i+1] {
				out = append(out, ch)
			}
		}

	case selectDecimal:
		for _, ch := range sorted {
			_, frac := math.Modf(ch.Number)
			if frac != 0 && math.Abs(frac-s.value) < keyTolerance {
				out = append(out, ch)
			}
		}

	case selectName:
		for _, ch := range sorted {
			if strings.Contains(strings.ToLower(ch.Name), s.term) {
				out = append(out, ch)
			}
		}

	case selectNumber:
		for _, ch := range sorted {
			if math.Abs(ch.Number-s.value) < keyTolerance {
				out = append(out, ch)
			}
		}
	}

	return out
}

// SelectByKeys keeps the chapters whose id, or whose number, is listed in keys.
func SelectByKeys(chapters []Chapter, keys []string) []Chapter {
	ids := make(map[string]bool, len(keys))
	var numbers []float64
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		ids[k] = true
		if v, err := strconv.ParseFloat(k, 64); err == nil {
			numbers = append(numbers, v)
		}
	}

	var out []Chapter
	for _, ch := range chapters {
		if ids[ch.ID] {
			out = append(out, ch)
			continue
		}
		for _, v := range numbers {
			if math.Abs(ch.Number-v) < keyTolerance {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}
