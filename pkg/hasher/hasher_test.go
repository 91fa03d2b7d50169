package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	data := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0, 0, 0, 52}
	assert.Equal(t, Sum(data), Sum(append([]byte(nil), data...)))
}

func TestSumDistinguishesInputs(t *testing.T) {
	a := Sum([]byte("class A"))
	b := Sum([]byte("class B"))
	assert.NotEqual(t, a, b)

	// Both halves should differ, they come from independent hashes.
	assert.NotEqual(t, a[:8], b[:8])
	assert.NotEqual(t, a[8:], b[8:])
}

func TestSumEmptyInputIsNotZero(t *testing.T) {
	assert.False(t, Sum(nil).IsZero())
	assert.True(t, Digest{}.IsZero())
}

func TestFromBytesRoundTrip(t *testing.T) {
	d := Sum([]byte("payload"))

	got, err := FromBytes(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBytesReturnsCopy(t *testing.T) {
	d := Sum([]byte("payload"))
	b := d.Bytes()
	b[0] ^= 0xFF
	assert.NotEqual(t, b[0], d[0])
}

func TestStringIsHex(t *testing.T) {
	s := Sum([]byte("x")).String()
	assert.Len(t, s, 2*Size)
	assert.Regexp(t, "^[0-9a-f]+$", s)
}

func TestKeyName(t *testing.T) {
	name := KeyName("com/example/Foo")
	assert.Len(t, name, 16)
	assert.Equal(t, name, KeyName("com/example/Foo"))
	assert.NotEqual(t, name, KeyName("com/example/Bar"))
}
