// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/absmach/panbus/internal/bufpool"
)

const maxValueDepth = 256

// Value validation errors.
var (
	ErrNotSerializable = errors.New("value is not serializable")
	ErrCyclicValue     = errors.New("value contains a cycle")
	ErrValueTooDeep    = errors.New("value nesting is too deep")
)

// Normalize validates a message data tree and returns a deep copy of it.
// Accepted values are nil, booleans, strings, integers, finite floats,
// json.Number, slices and arrays of values, maps with string keys and
// pointers to any of these. Slices become []any and maps map[string]any.
func Normalize(v any) (any, error) {
	n := normalizer{visiting: make(map[visitKey]struct{})}
	return n.value(reflect.ValueOf(v), 0, "$")
}

// EncodedSize returns the JSON-encoded size of a normalized value.
func EncodedSize(v any) (int, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	// Encode terminates the value with a newline.
	return buf.Len() - 1, nil
}

// CopyValue deep-copies a normalized value tree.
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = CopyValue(e)
		}
		return cp
	case []any:
		if t == nil {
			return t
		}
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = CopyValue(e)
		}
		return cp
	default:
		return v
	}
}

type visitKey struct {
	ptr  uintptr
	len  int
	kind reflect.Kind
}

type normalizer struct {
	visiting map[visitKey]struct{}
}

func (n *normalizer) enter(key visitKey, path string) error {
	if _, ok := n.visiting[key]; ok {
		return fmt.Errorf("%w at %s", ErrCyclicValue, path)
	}
	n.visiting[key] = struct{}{}
	return nil
}

func (n *normalizer) leave(key visitKey) {
	delete(n.visiting, key)
}

func (n *normalizer) value(rv reflect.Value, depth int, path string) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("%w at %s", ErrValueTooDeep, path)
	}
	if !rv.IsValid() {
		return nil, nil
	}

	if num, ok := rv.Interface().(json.Number); ok {
		return num, nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type() == reflect.TypeOf(int(0)) {
			return int(rv.Int()), nil
		}
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite number at %s", ErrNotSerializable, path)
		}
		return f, nil
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return n.value(rv.Elem(), depth, path)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Pointer}
		if err := n.enter(key, path); err != nil {
			return nil, err
		}
		defer n.leave(key)
		return n.value(rv.Elem(), depth+1, path)
	case reflect.Slice:
		if rv.IsNil() {
			return []any(nil), nil
		}
		if rv.Len() > 0 {
			key := visitKey{ptr: rv.Pointer(), len: rv.Len(), kind: reflect.Slice}
			if err := n.enter(key, path); err != nil {
				return nil, err
			}
			defer n.leave(key)
		}
		return n.sequence(rv, depth, path)
	case reflect.Array:
		return n.sequence(rv, depth, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s at %s", ErrNotSerializable, rv.Type().Key(), path)
		}
		if rv.IsNil() {
			return map[string]any(nil), nil
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Map}
		if err := n.enter(key, path); err != nil {
			return nil, err
		}
		defer n.leave(key)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			e, err := n.value(iter.Value(), depth+1, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s at %s", ErrNotSerializable, rv.Type(), path)
	}
}

func (n *normalizer) sequence(rv reflect.Value, depth int, path string) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		e, err := n.value(rv.Index(i), depth+1, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
