package hashset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetFromSliceDedupes(t *testing.T) {
	s := SetFromSlice([]string{"B", "A", "B", "C"})
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"A", "B", "C"}, Sorted(s))
}

func TestDelete(t *testing.T) {
	s := SetFromSlice([]int64{1, 2})
	s.Delete(1)
	s.Delete(42)
	assert.False(t, s.Has(1))
	assert.True(t, s.Has(2))
	assert.Equal(t, 1, s.Len())
}

func TestRemoveAndUnion(t *testing.T) {
	a := SetFromSlice([]int{1, 2, 3})
	b := SetFromSlice([]int{3, 4})

	assert.Equal(t, []int{1, 2}, Sorted(a.Remove(b)))
	assert.Equal(t, []int{1, 2, 3, 4}, Sorted(a.Union(b)))
	// Inputs are untouched.
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestSortedEmpty(t *testing.T) {
	assert.Empty(t, Sorted(NewSet[string]()))
}
