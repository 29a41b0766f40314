package pvrender

import (
	"reflect"

	"github.com/mitchellh/reflectwalk"
)

// ApproximateSize estimates the memory held by v in bytes, following slices,
// maps and pointers. Padding and allocator overhead are ignored.
// Remember that reflect is relatively slow and results should be cached.
func ApproximateSize(v interface{}) uint64 {
	if v == nil {
		return 0
	}
	w := &sizeWalker{flat: map[reflect.Type]bool{}}
	if err := reflectwalk.Walk(v, w); err != nil {
		panic(err) // the walker never fails
	}
	return w.total
}

// SizeKiB rounds a byte count up to KiB, the unit of geometry sizes.
func SizeKiB(bytes uint64) uint64 {
	return (bytes + 1023) / 1024
}

type sizeWalker struct {
	total uint64
	flat  map[reflect.Type]bool // memoized hasNoPointers
}

func (w *sizeWalker) Primitive(v reflect.Value) error {
	if !v.IsValid() {
		return nil // nil pointer or interface
	}
	if v.Kind() == reflect.String {
		w.total += uint64(v.Len())
	}
	w.total += uint64(v.Type().Size())
	return nil
}

func (w *sizeWalker) Slice(v reflect.Value) error {
	w.total += uint64(v.Type().Size())
	return nil
}

func (w *sizeWalker) SliceElem(int, reflect.Value) error { return nil }

func (w *sizeWalker) Map(v reflect.Value) error {
	w.total += uint64(v.Type().Size())
	return nil
}

func (w *sizeWalker) MapElem(reflect.Value, reflect.Value, reflect.Value) error { return nil }

// Struct adds structs without pointers at once instead of walking every field.
func (w *sizeWalker) Struct(v reflect.Value) error {
	t := v.Type()
	flat, ok := w.flat[t]
	if !ok {
		flat = hasNoPointers(t)
		w.flat[t] = flat
	}
	if flat {
		w.total += uint64(t.Size())
		return reflectwalk.SkipEntry
	}
	return nil
}

func (w *sizeWalker) StructField(reflect.StructField, reflect.Value) error { return nil }

func hasNoPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return hasNoPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !hasNoPointers(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
