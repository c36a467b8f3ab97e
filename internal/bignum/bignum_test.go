package bignum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	v, err := FromString("123456789012345678901234567890")
	require.NoError(t, err)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `"123456789012345678901234567890"`, string(data))

	var back BigNum
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, v.Cmp(back))
}

func TestUnmarshalEmptyString(t *testing.T) {
	var v BigNum
	require.NoError(t, json.Unmarshal([]byte(`""`), &v))
	assert.True(t, v.IsZero())
}

func TestArithmetic(t *testing.T) {
	a := FromInt64(100)
	b := FromInt64(30)

	assert.Equal(t, "130", a.Add(b).String())
	assert.Equal(t, "70", a.Sub(b).String())
	assert.Equal(t, "3000", a.Mul(b).String())
	assert.Equal(t, "3", a.Div(b).String())
	assert.Equal(t, "30", a.Min(b).String())
}

func TestInvalidString(t *testing.T) {
	_, err := FromString("not-a-number")
	assert.Error(t, err)
}
