package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	const alphabet = "23456789ABCDEFGHJKLMNPQRSTVWXYZ"

	s, err := RandomString(alphabet, 26)
	require.NoError(t, err)
	require.Len(t, s, 26)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(alphabet, r), "symbol %q outside alphabet", r)
	}

	other, err := RandomString(alphabet, 26)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	empty, err := RandomString(alphabet, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = RandomString("", 4)
	assert.Error(t, err)

	seen := map[rune]bool{}
	for range 50 {
		s, err := RandomString("ab", 8)
		require.NoError(t, err)
		for _, r := range s {
			seen[r] = true
		}
	}
	assert.Len(t, seen, 2)
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	require.NoError(t, err)
	b, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestSecretHelpers(t *testing.T) {
	src := []byte{1, 2, 3}
	dup := CopyBytes(src)
	dup[0] = 9
	assert.Equal(t, byte(1), src[0])
	assert.Nil(t, CopyBytes(nil))

	WipeBytes(dup)
	assert.Equal(t, []byte{0, 0, 0}, dup)

	arr := [32]byte{1, 2, 3}
	WipeArray32(&arr)
	assert.Equal(t, [32]byte{}, arr)

	assert.True(t, ConstantTimeEqual([]byte("verifier"), []byte("verifier")))
	assert.False(t, ConstantTimeEqual([]byte("verifier"), []byte("verifiex")))
	assert.False(t, ConstantTimeEqual([]byte("short"), []byte("longer")))
}
