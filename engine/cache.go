// ABOUTME: ResultCache interface and deterministic cache key derivation for node executions.
// ABOUTME: Keys hash the node type, config, and resolved inputs in a type-tagged canonical encoding.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// ResultCache stores node outputs keyed by CacheKey. Implementations must be
// safe for concurrent use.
type ResultCache interface {
	Get(ctx context.Context, key string) (Values, bool, error)
	// Put stores v under key; ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, v Values, ttl time.Duration) error
}

const cacheKeyVersion = "pipewright.cache.v2"

// maxKeyDepth bounds nesting so self-referencing values fail instead of recursing forever.
const maxKeyDepth = 64

// ErrUncacheable reports a value that has no canonical encoding.
var ErrUncacheable = errors.New("value is not cacheable")

// CacheKey derives the cache key for executing nodeType with config on inputs.
// Every value is written with a type tag, so a byte slice never collides with
// its base64 text and an int never collides with the string of its digits.
// Map entries are sorted, so equal values always hash the same. Values with no
// canonical form (functions, channels, errors, NaN, structs without exported
// fields) return an error wrapping ErrUncacheable and the task runs uncached.
func CacheKey(nodeType string, config map[string]any, inputs Values) (string, error) {
	var cfg, in canonicalEncoder
	if err := cfg.encode(reflect.ValueOf(config), 0); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	if err := in.encode(reflect.ValueOf(map[string]any(inputs)), 0); err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}

	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeField([]byte(cacheKeyVersion))
	writeField([]byte(nodeType))
	writeField(cfg.buf.Bytes())
	writeField(in.buf.Bytes())

	return hex.EncodeToString(h.Sum(nil)), nil
}

var (
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
	binaryMarshalerType = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
)

// canonicalEncoder writes tag-prefixed values. Tags: n nil, b bool, i signed,
// u unsigned, f float, c complex, s string, y bytes, l list, m map, S struct,
// B binary-marshaled.
type canonicalEncoder struct {
	buf bytes.Buffer
}

func (c *canonicalEncoder) tag(t byte) { c.buf.WriteByte(t) }

func (c *canonicalEncoder) writeUint(n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	c.buf.Write(b[:])
}

func (c *canonicalEncoder) writeBytes(p []byte) {
	c.writeUint(uint64(len(p)))
	c.buf.Write(p)
}

func (c *canonicalEncoder) encode(v reflect.Value, depth int) error {
	if depth > maxKeyDepth {
		return fmt.Errorf("%w: nested deeper than %d", ErrUncacheable, maxKeyDepth)
	}
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			break
		}
		v = v.Elem()
	}
	if !v.IsValid() || ((v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()) {
		c.tag('n')
		return nil
	}

	t := v.Type()
	if t.Implements(errorType) {
		return fmt.Errorf("%w: error value %s", ErrUncacheable, t)
	}
	if t.Implements(binaryMarshalerType) && v.CanInterface() {
		data, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUncacheable, t, err)
		}
		c.tag('B')
		c.writeBytes([]byte(t.String()))
		c.writeBytes(data)
		return nil
	}
	if v.Kind() == reflect.Pointer {
		return c.encode(v.Elem(), depth+1)
	}

	switch v.Kind() {
	case reflect.Bool:
		c.tag('b')
		if v.Bool() {
			c.buf.WriteByte(1)
		} else {
			c.buf.WriteByte(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		c.tag('i')
		c.writeUint(uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		c.tag('u')
		c.writeUint(v.Uint())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) {
			return fmt.Errorf("%w: NaN", ErrUncacheable)
		}
		if f == 0 {
			f = 0 // fold -0
		}
		c.tag('f')
		c.writeUint(math.Float64bits(f))
	case reflect.Complex64, reflect.Complex128:
		z := v.Complex()
		if math.IsNaN(real(z)) || math.IsNaN(imag(z)) {
			return fmt.Errorf("%w: NaN", ErrUncacheable)
		}
		c.tag('c')
		c.writeUint(math.Float64bits(real(z)))
		c.writeUint(math.Float64bits(imag(z)))
	case reflect.String:
		c.tag('s')
		c.writeBytes([]byte(v.String()))
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			c.tag('y')
			data := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(data), v)
			c.writeBytes(data)
			return nil
		}
		c.tag('l')
		c.writeUint(uint64(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := c.encode(v.Index(i), depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Map:
		return c.encodeMap(v, depth)
	case reflect.Struct:
		return c.encodeStruct(v, depth)
	default:
		return fmt.Errorf("%w: %s", ErrUncacheable, t)
	}
	return nil
}

func (c *canonicalEncoder) encodeMap(v reflect.Value, depth int) error {
	type entry struct{ key, val []byte }
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var k, val canonicalEncoder
		if err := k.encode(iter.Key(), depth+1); err != nil {
			return err
		}
		if err := val.encode(iter.Value(), depth+1); err != nil {
			return fmt.Errorf("%v: %w", iter.Key(), err)
		}
		entries = append(entries, entry{k.buf.Bytes(), val.buf.Bytes()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	c.tag('m')
	c.writeUint(uint64(len(entries)))
	for _, e := range entries {
		c.writeBytes(e.key)
		c.writeBytes(e.val)
	}
	return nil
}

func (c *canonicalEncoder) encodeStruct(v reflect.Value, depth int) error {
	t := v.Type()
	var fields []int
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			fields = append(fields, i)
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s has no exported fields", ErrUncacheable, t)
	}

	c.tag('S')
	c.writeBytes([]byte(t.String()))
	c.writeUint(uint64(len(fields)))
	for _, i := range fields {
		c.writeBytes([]byte(t.Field(i).Name))
		if err := c.encode(v.Field(i), depth+1); err != nil {
			return fmt.Errorf("%s.%s: %w", t, t.Field(i).Name, err)
		}
	}
	return nil
}
