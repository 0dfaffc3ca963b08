package peerid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	var id PeerId
	for i := range id {
		id[i] = byte(i)
	}

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := Parse("deadbeef")
	assert.Error(t, err)
}

func TestParseRejectsNonHex(t *testing.T) {
	_, err := Parse("not-hex-------------")
	assert.Error(t, err)
}

func TestEqualityIsBytewise(t *testing.T) {
	var a, b PeerId
	a[0] = 1
	b[0] = 1
	assert.Equal(t, a, b)
	b[1] = 2
	assert.NotEqual(t, a, b)
}

func TestLessIsTotalOrder(t *testing.T) {
	var a, b PeerId
	a[19] = 1
	b[19] = 2
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestBSONRoundTrip(t *testing.T) {
	var id PeerId
	for i := range id {
		id[i] = byte(20 - i)
	}

	typ, data, err := id.MarshalBSONValue()
	require.NoError(t, err)

	var decoded PeerId
	require.NoError(t, decoded.UnmarshalBSONValue(typ, data))
	assert.Equal(t, id, decoded)
}
