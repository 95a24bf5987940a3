package gguf

import "fmt"

// Metadata is the decoded key/value section.
type Metadata map[string]Value

func (m Metadata) Str(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

// Uint accepts any non-negative integer value.
func (m Metadata) Uint(key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

// Float accepts float and integer values.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	if u, ok := asUint64(v.Value); ok {
		return float64(u), true
	}
	return 0, false
}

// RequireUint returns the value of key or an error naming the missing key.
func (m Metadata) RequireUint(key string) (uint64, error) {
	if v, ok := m.Uint(key); ok {
		return v, nil
	}
	return 0, fmt.Errorf("missing or invalid metadata %s", key)
}

func (m Metadata) RequireString(key string) (string, error) {
	if v, ok := m.Str(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("missing or invalid metadata %s", key)
}

// Array returns the elements of an array value when every element has type T.
func Array[T any](m Metadata, key string) ([]T, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		t, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// Len returns the length of an array value.
func (m Metadata) Len(key string) int {
	if arr, ok := m[key].Value.(ArrayValue); ok {
		return len(arr.Values)
	}
	return 0
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		return uint64(t), t >= 0
	case int16:
		return uint64(t), t >= 0
	case int32:
		return uint64(t), t >= 0
	case int64:
		return uint64(t), t >= 0
	}
	return 0, false
}
