package gomatrixlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	input := []byte(`{"b": 1, "a": 2, "c": {"z": 1, "y": 2}}`)
	got, err := CanonicalJSON(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(got))
}

func TestCanonicalJSONRejectsFloats(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a": 1.5}`))
	assert.Error(t, err)
}

func TestCanonicalJSONRejectsTrailingGarbage(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{}garbage`))
	assert.Error(t, err)
}

func TestCanonicalJSONIsIdempotent(t *testing.T) {
	input := []byte(`{"b":[3,2,1],"a":"hello ☃"}`)
	once, err := CanonicalJSON(input)
	require.NoError(t, err)
	twice, err := CanonicalJSON(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestCanonicalJSONPreservesIntegerPrecision(t *testing.T) {
	// Matrix canonical JSON must not lose precision on int64-range integers
	// by round-tripping them through float64, as encoding/json's default
	// numeric type would.
	got, err := CanonicalJSON([]byte(`{"depth": 9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"depth":9007199254740993}`, string(got))
}
