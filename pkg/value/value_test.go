package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out Value
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestJSONRoundTripEveryKind(t *testing.T) {
	when := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	values := []Value{
		Null(),
		Bool(true),
		Int64(-42),
		Float64(2.5),
		String("hello"),
		Array([]Value{Int64(1), String("two")}),
		Object(map[string]Value{"a": Bool(false), "b": Null()}),
		DateTime(when),
		JSON(json.RawMessage(`{"nested":[1,2]}`)),
		Reference("task-17"),
	}
	for _, v := range values {
		got := roundTrip(t, v)
		assert.True(t, Equal(v, got), "kind %s did not round-trip", v.Kind)
	}
}

func TestEqualDistinguishesKinds(t *testing.T) {
	assert.False(t, Equal(Int64(1), Float64(1)))
	assert.False(t, Equal(String("x"), Reference("x")))
	assert.False(t, Equal(Array([]Value{Int64(1)}), Array([]Value{Int64(2)})))
	assert.True(t, Equal(Null(), Null()))
}

func TestAccessorsReportKindMismatch(t *testing.T) {
	_, ok := String("x").AsInt64()
	assert.False(t, ok)
	s, ok := String("x").AsString()
	require.True(t, ok)
	assert.Equal(t, "x", s)
}
