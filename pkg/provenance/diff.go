package provenance

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/neurodata/synq/pkg/utils/cmp"
)

// Change categories reported by Mismatches.
const (
	Added   = "added"
	Removed = "removed"
	Changed = "changed"
)

// Change holds the two sides of a changed leaf. For Added only Other is set,
// for Removed only Own.
type Change struct {
	Own   any
	Other any
}

// Mismatches computes the structural difference between the contents of two
// records, filtered by include/exclude path matchers.
//
// # Args
//
// - other: record to compare against.
//
// - include: slash-separated content paths (e.g. "outputs" or
// "inputs/seed") to keep, or raw regular expressions matched against full
// leaf paths. nil keeps everything.
//
// - exclude: same syntax; matched leaves are dropped even when included.
//
// # Returns
//
// - map: change category ("added", "removed", "changed") -> leaf path ->
// Change. Categories without retained entries are absent; records with no
// relevant difference give an empty map.
//
// Unordered containers compare order-insensitively: two slices holding the
// same elements in different order are not a mismatch.
func (r *Record) Mismatches(other *Record, include []string, exclude []string) (map[string]map[string]Change, error) {
	includeRes, err := compileMatchers(include)
	if err != nil {
		return nil, err
	}
	excludeRes, err := compileMatchers(exclude)
	if err != nil {
		return nil, err
	}

	diff := map[string]map[string]Change{}
	record := func(category string, path string, change Change) {
		if include != nil && !anyMatch(includeRes, path) {
			return
		}
		if anyMatch(excludeRes, path) {
			return
		}
		entries, ok := diff[category]
		if !ok {
			entries = map[string]Change{}
			diff[category] = entries
		}
		entries[path] = change
	}

	diffValue("", r.content, other.content, record)
	return diff, nil
}

// compileMatchers turns slash-separated paths into anchored regexps matching
// the path itself and everything below it. A path that already is a valid
// regexp with meta characters is used as-is.
func compileMatchers(paths []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			return nil, fmt.Errorf("empty diff filter path")
		}
		var expr string
		if path != regexp.QuoteMeta(path) {
			// raw pattern
			expr = path
		} else {
			segments := strings.Split(path, "/")
			for i, s := range segments {
				segments[i] = regexp.QuoteMeta(s)
			}
			expr = "^" + strings.Join(segments, "/") + "(?:/.*)?$"
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bad diff filter %q: %w", path, err)
		}
		res = append(res, re)
	}
	return res, nil
}

func anyMatch(res []*regexp.Regexp, path string) bool {
	for _, re := range res {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func diffValue(path string, own any, other any, record func(string, string, Change)) {
	ownMap, ownIsMap := own.(map[string]any)
	otherMap, otherIsMap := other.(map[string]any)
	if ownIsMap && otherIsMap {
		for k, v := range ownMap {
			sub := joinPath(path, k)
			if w, ok := otherMap[k]; ok {
				diffValue(sub, v, w, record)
			} else {
				record(Removed, sub, Change{Own: v})
			}
		}
		for k, w := range otherMap {
			if _, ok := ownMap[k]; !ok {
				record(Added, joinPath(path, k), Change{Other: w})
			}
		}
		return
	}

	ownSlice, ownIsSlice := own.([]any)
	otherSlice, otherIsSlice := other.([]any)
	if ownIsSlice && otherIsSlice {
		if !cmp.SliceContentEqWith(ownSlice, otherSlice, structurallyEqual) {
			record(Changed, path, Change{Own: own, Other: other})
		}
		return
	}

	if !structurallyEqual(own, other) {
		record(Changed, path, Change{Own: own, Other: other})
	}
}

func joinPath(path string, key string) string {
	if path == "" {
		return key
	}
	return path + "/" + key
}

// structurallyEqual compares values after numeric normalization, with maps
// keywise and slices as multisets.
func structurallyEqual(a any, b any) bool {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		return cmp.MapEqWith(am, bm, structurallyEqual)
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		return cmp.SliceContentEqWith(as, bs, structurallyEqual)
	}

	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize maps in-memory numeric types onto the float64 that JSON decoding
// produces, so a saved-and-reloaded record equals its source.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
