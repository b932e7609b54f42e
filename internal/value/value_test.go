package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Canonical(t *testing.T) {
	v := Object{
		"b":     Int(2),
		"a":     List{String("x"), Bool(true), Null{}},
		"html":  String("<&>"),
		"inner": Object{"z": Int(-1), "y": Object{}},
	}

	got, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",true,null],"b":2,"html":"<&>","inner":{"y":{},"z":-1}}`, string(got))
}

func TestMarshal_NFCNormalizes(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")

	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshal_RejectsFloats(t *testing.T) {
	_, err := Unmarshal([]byte(`{"x": 1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	in := Object{"n": Int(9007199254740993), "s": String("hi"), "l": List{Int(1), Null{}}}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Object
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, Equal(in, out), "got %#v", out)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(List{Int(1)}, List{Int(1)}))
	assert.False(t, Equal(List{Int(1)}, List{Int(2)}))
	assert.False(t, Equal(Int(1), String("1")))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.True(t, Equal(Null{}, Null{}))
}

func TestDigest_StableAcrossKeyOrder(t *testing.T) {
	a := Object{"x": Int(1), "y": Int(2)}
	b := Object{"y": Int(2), "x": Int(1)}

	da, err := Digest(DomainState, a)
	require.NoError(t, err)
	db, err := Digest(DomainState, b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	dc, err := Digest(DomainOp, a)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc, "domain separation")
}

func TestFrom_YAMLShapes(t *testing.T) {
	v, err := From(map[string]any{"by": 3, "tags": []any{"a", true}})
	require.NoError(t, err)
	assert.True(t, Equal(Object{"by": Int(3), "tags": List{String("a"), Bool(true)}}, v))
}
