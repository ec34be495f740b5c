// Package schema implements SchemaAdapter: recursive, idempotent
// field-map/defaults normalization of response payloads that drift from
// what a caller expects.
package schema

// Hints is what a Planner or Toolkit supplies to Apply.
type Hints struct {
	// FieldMap maps expected field name -> actual field name observed in
	// the payload. Apply copies payload[actual] into payload[expected]
	// without deleting the source field.
	FieldMap map[string]string
	// Defaults maps field name -> value to fill in when the field is
	// missing from the payload entirely.
	Defaults map[string]any
}

// Apply recursively normalizes payload per hints. Lists are mapped
// element-wise; non-map values (including nil) are returned unchanged.
// Applying Apply to an already-adapted payload is a no-op — every field_map
// target already matches its source, and every default is already present.
func Apply(hints Hints, payload any) any {
	switch v := payload.(type) {
	case map[string]any:
		return applyObject(hints, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Apply(hints, item)
		}
		return out
	default:
		return payload
	}
}

func applyObject(hints Hints, obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	for expected, actual := range hints.FieldMap {
		if v, ok := out[actual]; ok {
			out[expected] = v
		}
	}
	for k, v := range hints.Defaults {
		if _, present := out[k]; !present {
			out[k] = v
		}
	}
	return out
}
