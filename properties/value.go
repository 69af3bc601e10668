package properties

import (
	"fmt"
	"reflect"

	"github.com/c360/depkit/errors"
)

// scalarTypes are the exact value types a store accepts. Named types built on
// them are rejected.
var scalarTypes = map[reflect.Type]bool{
	reflect.TypeOf(""):         true,
	reflect.TypeOf(int(0)):     true,
	reflect.TypeOf(int8(0)):    true,
	reflect.TypeOf(int16(0)):   true,
	reflect.TypeOf(int32(0)):   true,
	reflect.TypeOf(int64(0)):   true,
	reflect.TypeOf(uint8(0)):   true,
	reflect.TypeOf(float32(0)): true,
	reflect.TypeOf(float64(0)): true,
	reflect.TypeOf(false):      true,
}

var anySliceType = reflect.TypeOf([]any(nil))

// Normalize validates value and returns its canonical stored form:
// scalars unchanged, arrays and typed slices as a fresh typed slice, and a
// non-empty homogeneous []any converted to the typed slice of its elements.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidValue, "properties", "Normalize", "nil check")
	}

	rt := reflect.TypeOf(value)
	if scalarTypes[rt] {
		return value, nil
	}

	rv := reflect.ValueOf(value)
	if rt == anySliceType {
		return normalizeCollection(rv)
	}

	switch rt.Kind() {
	case reflect.Slice, reflect.Array:
		if !scalarTypes[rt.Elem()] {
			return nil, unsupported(fmt.Sprintf("%s elements", rt.Elem()))
		}
		if rt.Kind() == reflect.Slice && rv.IsNil() {
			return nil, errors.WrapInvalid(errors.ErrInvalidValue, "properties", "Normalize", "nil slice check")
		}
		return copySlice(rv), nil
	}
	return nil, unsupported(rt.String())
}

func normalizeCollection(rv reflect.Value) (any, error) {
	if rv.Len() == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty collection: %w", errors.ErrInvalidValue),
			"properties", "Normalize", "collection check")
	}

	var elemType reflect.Type
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if elem == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("nil element at %d: %w", i, errors.ErrInvalidValue),
				"properties", "Normalize", "collection check")
		}
		et := reflect.TypeOf(elem)
		if !scalarTypes[et] {
			return nil, unsupported(fmt.Sprintf("collection element %s", et))
		}
		if elemType == nil {
			elemType = et
		} else if et != elemType {
			return nil, errors.WrapInvalid(
				fmt.Errorf("mixed element types %s and %s: %w", elemType, et, errors.ErrInvalidValue),
				"properties", "Normalize", "collection check")
		}
	}

	out := reflect.MakeSlice(reflect.SliceOf(elemType), rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out.Index(i).Set(rv.Index(i).Elem())
	}
	return out.Interface(), nil
}

func unsupported(what string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %w", what, errors.ErrUnsupportedType),
		"properties", "Normalize", "type check")
}

func copySlice(rv reflect.Value) any {
	out := reflect.MakeSlice(reflect.SliceOf(rv.Type().Elem()), rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out.Index(i).Set(rv.Index(i))
	}
	return out.Interface()
}

// cloneValue returns an independent copy of a stored value
func cloneValue(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return copySlice(rv)
	}
	return v
}

// ValuesEqual compares two stored values. Values of different types are
// unequal; it never panics.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
