package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyFieldMap(t *testing.T) {
	hints := Hints{FieldMap: map[string]string{"amount": "amt"}}
	payload := map[string]any{"amt": 42}

	got := Apply(hints, payload)

	m, ok := got.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 42, m["amount"])
	assert.Equal(t, 42, m["amt"], "field_map must copy, not rename — source field stays")
}

func TestApplyDefaultsOnlyFillMissing(t *testing.T) {
	hints := Hints{Defaults: map[string]any{"amount": 0, "currency": "USD"}}
	payload := map[string]any{"amount": 99}

	got := Apply(hints, payload).(map[string]any)

	assert.Equal(t, 99, got["amount"], "existing value must not be overwritten by a default")
	assert.Equal(t, "USD", got["currency"])
}

func TestApplyRecursesIntoLists(t *testing.T) {
	hints := Hints{Defaults: map[string]any{"status": "unknown"}}
	payload := []any{
		map[string]any{"id": 1},
		map[string]any{"id": 2, "status": "ok"},
	}

	got := Apply(hints, payload).([]any)
	require := func(ok bool) {
		if !ok {
			t.Fatal("expected a map entry")
		}
	}

	first, ok := got[0].(map[string]any)
	require(ok)
	assert.Equal(t, "unknown", first["status"])

	second, ok := got[1].(map[string]any)
	require(ok)
	assert.Equal(t, "ok", second["status"])
}

func TestApplyNonMapPassesThrough(t *testing.T) {
	hints := Hints{Defaults: map[string]any{"x": 1}}
	assert.Equal(t, "raw string", Apply(hints, "raw string"))
	assert.Nil(t, Apply(hints, nil))
}

func TestApplyIsIdempotent(t *testing.T) {
	hints := Hints{
		FieldMap: map[string]string{"amount": "amt"},
		Defaults: map[string]any{"currency": "USD"},
	}
	payload := map[string]any{"amt": 42}

	once := Apply(hints, payload)
	twice := Apply(hints, once)

	assert.Equal(t, once, twice)
}
