package cmp

type BiPredicator[V any, U any] func(a V, b U) bool

// check a == b
func MapEq[K comparable, V comparable](a map[K]V, b map[K]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av != bv {
			return false
		}
	}
	return true
}

// check a == b, in context of comparator
func MapEqWith[K comparable, V any, U any](a map[K]V, b map[K]U, comparator BiPredicator[V, U]) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !comparator(av, bv) {
			return false
		}
	}
	return true
}

// check a == b, elementwise in order
func SliceEq[T comparable](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// check a == b, elementwise in order, in context of comparator
func SliceEqWith[T any, U any](a []T, b []U, comparator BiPredicator[T, U]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !comparator(a[i], b[i]) {
			return false
		}
	}
	return true
}

// check a == b as multisets (order does not matter).
//
// Each element of b may be matched by at most one element of a.
func SliceContentEq[T comparable](a []T, b []T) bool {
	return SliceContentEqWith(a, b, func(x, y T) bool { return x == y })
}

// check a == b as multisets, in context of comparator
func SliceContentEqWith[T any, U any](a []T, b []U, comparator BiPredicator[T, U]) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if comparator(av, bv) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
