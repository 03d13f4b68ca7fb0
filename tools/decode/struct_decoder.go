package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Options customizes Decode.
type Options struct {
	// WeaklyTypedInput allows "123" -> int, 1.0 -> int64 and similar (default true).
	WeaklyTypedInput bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// Decode converts a generic payload (as produced by JSON decoding or ToMap)
// into T. Field names come from `json` tags.
func Decode[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			jsonNumberHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// ToMap is the inverse of Decode: a struct with `json` tags becomes a flat map.
func ToMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// ReadInt64 reads a numeric field, accepting float64 / int / json.Number / numeric strings.
func ReadInt64(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case int:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q string parse int64: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q type %T not number", key, v)
	}
}

// ReadString reads a string field.
func ReadString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
	return s, nil
}

// floatToIntHook: float64 -> int / int32 / int64.
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// jsonNumberHook: json.Number -> int64 / float64 when decoding with UseNumber.
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return n.Int64()
		case reflect.Float32, reflect.Float64:
			return n.Float64()
		}
		return data, nil
	}
}
