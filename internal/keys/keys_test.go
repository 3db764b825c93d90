package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	var k Key
	for i := range k {
		k[i] = byte(i * 7)
	}

	parsed, err := Parse(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.Len(t, k.String(), 2*Size)
}

func TestParseRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", Size)},
		{"too short", strings.Repeat("ab", Size-1)},
		{"too long", strings.Repeat("ab", Size+1)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestDiscoveryKey(t *testing.T) {
	var a, b Key
	a[0] = 1
	b[0] = 2

	assert.Equal(t, a.DiscoveryKey(), a.DiscoveryKey(), "must be deterministic")
	assert.NotEqual(t, a.DiscoveryKey(), b.DiscoveryKey())
	assert.NotEqual(t, a, a.DiscoveryKey())
	assert.False(t, a.DiscoveryKey().IsZero())
}

func TestShort(t *testing.T) {
	k, err := Parse("0102030000000000000000000000000000000000000000000000000000aabbcc")
	require.NoError(t, err)
	assert.Equal(t, "010203..aabbcc", k.Short())
}
