// ABOUTME: Type-preserving JSON encoding for Values used by durable checkpoint stores and caches.
// ABOUTME: Each value carries a type tag so ints, byte slices, and times decode to the Go types they started as.
package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TypedValues is Values with a type-tagged JSON form. Plain Values encode
// through encoding/json, which turns []byte into base64 strings and every
// number into float64 on the way back; TypedValues round-trips them.
type TypedValues Values

// typedValue is one tagged value: {"t": "int64", "v": 42}.
type typedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (tv TypedValues) MarshalJSON() ([]byte, error) {
	if tv == nil {
		return []byte("null"), nil
	}
	out, err := encodeMap(tv)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (tv *TypedValues) UnmarshalJSON(data []byte) error {
	var raw map[string]typedValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*tv = nil
		return nil
	}
	m, err := decodeMap(raw)
	if err != nil {
		return err
	}
	*tv = TypedValues(m)
	return nil
}

// EncodeValues returns the typed JSON form of v.
func EncodeValues(v Values) ([]byte, error) {
	return json.Marshal(TypedValues(v))
}

// DecodeValues parses the output of EncodeValues.
func DecodeValues(data []byte) (Values, error) {
	var tv TypedValues
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, err
	}
	return Values(tv), nil
}

func encodeMap(m map[string]any) (map[string]typedValue, error) {
	out := make(map[string]typedValue, len(m))
	for k, v := range m {
		enc, err := encodeTyped(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

func decodeMap(raw map[string]typedValue) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, enc := range raw {
		v, err := decodeTyped(enc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func tagged(tag string, payload any) (typedValue, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, err
	}
	return typedValue{T: tag, V: data}, nil
}

func encodeTyped(v any) (typedValue, error) {
	switch x := v.(type) {
	case nil:
		return typedValue{T: "null"}, nil
	case bool:
		return tagged("bool", x)
	case string:
		return tagged("string", x)
	case []byte:
		return tagged("bytes", x)
	case int:
		return tagged("int", x)
	case int8:
		return tagged("int8", x)
	case int16:
		return tagged("int16", x)
	case int32:
		return tagged("int32", x)
	case int64:
		return tagged("int64", x)
	case uint:
		return tagged("uint", x)
	case uint8:
		return tagged("uint8", x)
	case uint16:
		return tagged("uint16", x)
	case uint32:
		return tagged("uint32", x)
	case uint64:
		return tagged("uint64", x)
	case float32:
		return tagged("float32", strconv.FormatFloat(float64(x), 'g', -1, 32))
	case float64:
		return tagged("float64", strconv.FormatFloat(x, 'g', -1, 64))
	case time.Duration:
		return tagged("duration", int64(x))
	case time.Time:
		return tagged("time", x.Format(time.RFC3339Nano))
	case []string:
		return tagged("strings", x)
	case Values:
		m, err := encodeMap(x)
		if err != nil {
			return typedValue{}, err
		}
		return tagged("values", m)
	case map[string]any:
		m, err := encodeMap(x)
		if err != nil {
			return typedValue{}, err
		}
		return tagged("map", m)
	case []any:
		list := make([]typedValue, len(x))
		for i, item := range x {
			enc, err := encodeTyped(item)
			if err != nil {
				return typedValue{}, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = enc
		}
		return tagged("list", list)
	default:
		// Anything else keeps its plain JSON form and decodes as generic JSON.
		return tagged("json", x)
	}
}

func decodeTyped(tv typedValue) (any, error) {
	var err error
	switch tv.T {
	case "null":
		return nil, nil
	case "bool":
		var b bool
		err = json.Unmarshal(tv.V, &b)
		return b, err
	case "string":
		var s string
		err = json.Unmarshal(tv.V, &s)
		return s, err
	case "bytes":
		var b []byte
		err = json.Unmarshal(tv.V, &b)
		if b == nil && err == nil {
			b = []byte{}
		}
		return b, err
	case "int", "int8", "int16", "int32", "int64", "duration":
		var n int64
		if err = json.Unmarshal(tv.V, &n); err != nil {
			return nil, err
		}
		switch tv.T {
		case "int":
			return int(n), nil
		case "int8":
			return int8(n), nil
		case "int16":
			return int16(n), nil
		case "int32":
			return int32(n), nil
		case "duration":
			return time.Duration(n), nil
		}
		return n, nil
	case "uint", "uint8", "uint16", "uint32", "uint64":
		var n uint64
		if err = json.Unmarshal(tv.V, &n); err != nil {
			return nil, err
		}
		switch tv.T {
		case "uint":
			return uint(n), nil
		case "uint8":
			return uint8(n), nil
		case "uint16":
			return uint16(n), nil
		case "uint32":
			return uint32(n), nil
		}
		return n, nil
	case "float32", "float64":
		var s string
		if err = json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		if tv.T == "float32" {
			f, perr := strconv.ParseFloat(s, 32)
			return float32(f), perr
		}
		return strconv.ParseFloat(s, 64)
	case "time":
		var s string
		if err = json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "strings":
		var ss []string
		err = json.Unmarshal(tv.V, &ss)
		return ss, err
	case "values", "map":
		var raw map[string]typedValue
		if err = json.Unmarshal(tv.V, &raw); err != nil {
			return nil, err
		}
		m, err := decodeMap(raw)
		if err != nil {
			return nil, err
		}
		if tv.T == "values" {
			return Values(m), nil
		}
		return m, nil
	case "list":
		var raw []typedValue
		if err = json.Unmarshal(tv.V, &raw); err != nil {
			return nil, err
		}
		out := make([]any, len(raw))
		for i, enc := range raw {
			if out[i], err = decodeTyped(enc); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return out, nil
	case "json":
		var v any
		err = json.Unmarshal(tv.V, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown value type tag %q", tv.T)
}
