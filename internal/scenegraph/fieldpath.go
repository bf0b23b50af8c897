package scenegraph

import (
	"reflect"
	"sort"
	"strings"
)

const fieldPathSeparatorConstant = "."

// LookupField resolves a dotted path through nested field maps.
func LookupField(fields map[string]any, path string) (any, bool) {
	if fields == nil || len(path) == 0 {
		return nil, false
	}

	segments := strings.Split(path, fieldPathSeparatorConstant)
	current := fields
	for segmentIndex, segment := range segments {
		value, exists := current[segment]
		if !exists {
			return nil, false
		}
		if segmentIndex == len(segments)-1 {
			return value, true
		}
		nested, isMap := value.(map[string]any)
		if !isMap {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// AssignField writes a copy of value at a dotted path, replacing non-map intermediates with maps.
func AssignField(fields map[string]any, path string, value any) error {
	if fields == nil || len(path) == 0 {
		return nil
	}
	cloned, cloneError := CloneValue(value)
	if cloneError != nil {
		return cloneError
	}

	segments := strings.Split(path, fieldPathSeparatorConstant)
	current := fields
	for _, segment := range segments[:len(segments)-1] {
		nested, isMap := current[segment].(map[string]any)
		if !isMap {
			nested = map[string]any{}
			current[segment] = nested
		}
		current = nested
	}
	current[segments[len(segments)-1]] = cloned
	return nil
}

// FlattenFields lists every leaf value keyed by its dotted path.
func FlattenFields(fields map[string]any) map[string]any {
	flattened := map[string]any{}
	flattenInto(flattened, "", fields)
	return flattened
}

// FieldPaths returns the sorted leaf paths of a field map.
func FieldPaths(fields map[string]any) []string {
	flattened := FlattenFields(fields)
	paths := make([]string, 0, len(flattened))
	for path := range flattened {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func flattenInto(destination map[string]any, prefix string, fields map[string]any) {
	for key, value := range fields {
		path := key
		if len(prefix) > 0 {
			path = prefix + fieldPathSeparatorConstant + key
		}
		if nested, isMap := value.(map[string]any); isMap && len(nested) > 0 {
			flattenInto(destination, path, nested)
			continue
		}
		destination[path] = value
	}
}

// ValuesEqual compares decoded field values, treating integer and floating point
// encodings of the same number as equal.
func ValuesEqual(left any, right any) bool {
	return reflect.DeepEqual(normalizeValue(left), normalizeValue(right))
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case float32:
		return float64(typed)
	case map[string]any:
		normalized := make(map[string]any, len(typed))
		for key, nested := range typed {
			normalized[key] = normalizeValue(nested)
		}
		return normalized
	case []any:
		normalized := make([]any, len(typed))
		for index, nested := range typed {
			normalized[index] = normalizeValue(nested)
		}
		return normalized
	default:
		return value
	}
}
