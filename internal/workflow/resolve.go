package workflow

import (
	"regexp"
	"strings"
)

// refPattern matches a whole-string reference of the exact shape
// ${ref:<stepId>.<field>}. Field may be a dotted path into the step's
// result data. Partial matches inside longer strings are left alone; this
// is a substitution marker, not an expression language.
var refPattern = regexp.MustCompile(`^\$\{ref:([A-Za-z0-9_-]+)\.([A-Za-z0-9_.\-]+)\}$`)

// resolveInputs returns a deep copy of input with references substituted
// from completed step results. A reference to a step that failed, was
// skipped, or whose field does not exist keeps its literal form: the step
// still runs and the downstream sees the marker.
func resolveInputs(input map[string]interface{}, results map[string]*StepResult) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = resolveValue(v, results)
	}
	return out
}

func resolveValue(v interface{}, results map[string]*StepResult) interface{} {
	switch val := v.(type) {
	case string:
		if resolved, ok := lookupRef(val, results); ok {
			return resolved
		}
		return val
	case map[string]interface{}:
		return resolveInputs(val, results)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, results)
		}
		return out
	default:
		return v
	}
}

// lookupRef resolves one candidate reference string. Whole-string matches
// preserve the referenced value's type.
func lookupRef(s string, results map[string]*StepResult) (interface{}, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	res, ok := results[m[1]]
	if !ok || res.Status != StatusCompleted {
		return nil, false
	}
	return fieldPath(res.Data, m[2])
}

// fieldPath walks a dotted path through nested maps.
func fieldPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = data
	for _, part := range parts {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
