package config

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// jsonError describes why a value is outside the JSON grammar.
type jsonError struct {
	path      string
	valueType string
	reason    string
}

// normalizeJSON converts a decoded value into the canonical JSON shape used
// by resolved configuration: nil, bool, string, int64, uint64, float64, []any
// and map[string]any. It rejects cycles, non-finite numbers, non-string map
// keys and any type that has no JSON representation.
func normalizeJSON(v any, path string, visiting map[uintptr]struct{}) (any, *jsonError) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case float64:
		return checkFinite(val, path)
	case float32:
		return checkFinite(float64(val), path)
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return normalizeUint(uint64(val)), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return normalizeUint(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil {
			return nil, &jsonError{path: path, valueType: "json.Number", reason: "malformed number"}
		}
		return checkFinite(f, path)
	case time.Time:
		return nil, &jsonError{path: path, valueType: "time.Time", reason: "date-time values are not JSON; quote the value as a string"}
	case map[string]any:
		return normalizeObject(reflect.ValueOf(val), path, visiting)
	case map[any]any:
		return normalizeObject(reflect.ValueOf(val), path, visiting)
	case []any:
		return normalizeArray(reflect.ValueOf(val), path, visiting)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return normalizeObject(rv, path, visiting)
	case reflect.Slice, reflect.Array:
		return normalizeArray(rv, path, visiting)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return checkFinite(rv.Float(), path)
	}

	return nil, &jsonError{path: path, valueType: fmt.Sprintf("%T", v), reason: "not serializable"}
}

func normalizeObject(rv reflect.Value, path string, visiting map[uintptr]struct{}) (any, *jsonError) {
	if rv.IsNil() {
		return nil, nil
	}
	ptr := rv.Pointer()
	if _, seen := visiting[ptr]; seen {
		return nil, &jsonError{path: path, valueType: rv.Type().String(), reason: "cyclic value"}
	}
	visiting[ptr] = struct{}{}
	defer delete(visiting, ptr)

	keys := make([]string, 0, rv.Len())
	values := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key()
		for k.Kind() == reflect.Interface && !k.IsNil() {
			k = k.Elem()
		}
		if k.Kind() != reflect.String {
			return nil, &jsonError{path: path, valueType: k.Type().String(), reason: "non-string object key"}
		}
		keys = append(keys, k.String())
		values[k.String()] = iter.Value()
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		child, jerr := normalizeJSON(values[key].Interface(), joinPath(path, key), visiting)
		if jerr != nil {
			return nil, jerr
		}
		out[key] = child
	}
	return out, nil
}

func normalizeArray(rv reflect.Value, path string, visiting map[uintptr]struct{}) (any, *jsonError) {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Len() > 0 {
			ptr := rv.Pointer()
			if _, seen := visiting[ptr]; seen {
				return nil, &jsonError{path: path, valueType: rv.Type().String(), reason: "cyclic value"}
			}
			visiting[ptr] = struct{}{}
			defer delete(visiting, ptr)
		}
	}

	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		child, jerr := normalizeJSON(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), visiting)
		if jerr != nil {
			return nil, jerr
		}
		out[i] = child
	}
	return out, nil
}

func checkFinite(f float64, path string) (any, *jsonError) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &jsonError{path: path, valueType: "float64", reason: "non-finite number"}
	}
	return f, nil
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
