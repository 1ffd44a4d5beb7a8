package hashset

import (
	"cmp"
	"slices"
)

func NewSet[T comparable]() Set[T] {
	return map[T]struct{}{}
}

type Set[T comparable] map[T]struct{}

func SetFromSlice[T comparable](vals []T) Set[T] {
	set := make(Set[T], len(vals))
	for _, v := range vals {
		set.Set(v)
	}
	return set
}

func (vs Set[T]) Set(v T) {
	vs[v] = struct{}{}
}

func (vs Set[T]) Has(v T) bool {
	_, ok := vs[v]
	return ok
}

func (vs Set[T]) Delete(v T) {
	delete(vs, v)
}

func (vs Set[T]) Len() int {
	return len(vs)
}

// Remove returns the elements of vs that are not in xs.
func (vs Set[T]) Remove(xs Set[T]) Set[T] {
	result := NewSet[T]()
	for v := range vs {
		if !xs.Has(v) {
			result.Set(v)
		}
	}
	return result
}

// Union returns the elements in vs or xs.
func (vs Set[T]) Union(xs Set[T]) Set[T] {
	result := make(Set[T], len(vs)+len(xs))
	for v := range vs {
		result.Set(v)
	}
	for x := range xs {
		result.Set(x)
	}
	return result
}

func (vs Set[T]) AsSlice() []T {
	slice := make([]T, 0, len(vs))
	for s := range vs {
		slice = append(slice, s)
	}
	return slice
}

// Sorted returns the elements of s in ascending order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	out := s.AsSlice()
	slices.Sort(out)
	return out
}
