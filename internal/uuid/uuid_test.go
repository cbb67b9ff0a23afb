package uuid

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.True(t, Valid(a))
	assert.Equal(t, byte('4'), a[14], "version nibble")
}

func TestOrdered(t *testing.T) {
	ids := make([]string, 64)
	for i := range ids {
		ids[i] = Ordered()
	}
	assert.True(t, slices.IsSorted(ids), "v7 IDs must sort by creation")
	assert.Equal(t, byte('7'), ids[0][14], "version nibble")
	assert.Len(t, slices.Compact(slices.Clone(ids)), len(ids))
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(""))
}
