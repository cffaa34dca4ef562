package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"b":1,"a":{"d":4,"c":3}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":3,"d":4},"b":1}`, string(out))
}

func TestCanonicalPreservesArrayOrder(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"x":[3,1,2],"y":[null,true,false]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":[3,1,2],"y":[null,true,false]}`, string(out))
}

// Canonical serialisation is a fixed point: canonicalising the canonical
// form yields the same bytes.
func TestCanonicalFixedPoint(t *testing.T) {
	inputs := []string{
		`{"z":"end","a":1,"m":[{"q":1,"p":2}],"n":null}`,
		`{"num":1e3,"dec":0.5,"neg":-42}`,
		`{"s":"with \"quotes\" and é"}`,
		`[]`,
		`{}`,
		`"just a string"`,
		`12345`,
	}
	for _, in := range inputs {
		first, err := CanonicalizeJSON([]byte(in))
		require.NoError(t, err, in)
		second, err := CanonicalizeJSON(first)
		require.NoError(t, err, in)
		assert.Equal(t, string(first), string(second), in)
	}
}

func TestCanonicalNormalisesExponents(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"n":1e3}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{"n":1000}`))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestCanonicalRejectsInvalid(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"n":NaN}`),
		[]byte(`{"n":Infinity}`),
		[]byte(`{"a":1}trailing`),
		[]byte(`{bad json`),
	}
	for _, c := range cases {
		_, err := CanonicalizeJSON(c)
		assert.Error(t, err, string(c))
	}
}

func TestCanonicalRejectsNonJSONTypes(t *testing.T) {
	_, err := Canonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestCanonicalStructTags(t *testing.T) {
	v := struct {
		B int    `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}{B: 2, A: "x"}
	out, err := Canonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(out))
}
