package dbus

import (
	"cmp"
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	// kindToType maps the reflect.Kinds of the basic Go types
	// representable by DBus to the corresponding DBus type.
	kindToType = map[reflect.Kind]Type{
		reflect.Bool:    TypeBool,
		reflect.Uint8:   TypeByte,
		reflect.Int16:   TypeInt16,
		reflect.Uint16:  TypeUint16,
		reflect.Int32:   TypeInt32,
		reflect.Uint32:  TypeUint32,
		reflect.Int:     TypeInt64,
		reflect.Int64:   TypeInt64,
		reflect.Uint:    TypeUint64,
		reflect.Uint64:  TypeUint64,
		reflect.Float64: TypeDouble,
		reflect.String:  TypeString,
	}

	// namedTypes maps Go types that have a dedicated DBus type to that
	// type. They take precedence over kindToType.
	namedTypes = map[reflect.Type]Type{
		reflect.TypeFor[ObjectPath](): TypeObjectPath,
		reflect.TypeFor[Signature]():  TypeSignature,
		reflect.TypeFor[UnixFD]():     TypeUnixFD,
		reflect.TypeFor[Variant]():    TypeVariant,
		reflect.TypeFor[any]():        TypeVariant,
		reflect.TypeFor[Value]():      TypeVariant,
	}

	// mapKeyKinds is the set of reflect.Kinds that can be in a DBus map
	// key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint64,
		reflect.Float64,
		reflect.String,
	)
)

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func derefZero(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func derefAlloc(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return v
}

// mapKeyCmp returns a comparison function for the given map key type.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			if a.Bool() == b.Bool() {
				return 0
			}
			if !a.Bool() {
				return -1
			}
			return 1
		}
	case reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint, reflect.Uint64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Uint(), b.Uint())
		}
	case reflect.Float64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Float(), b.Float())
		}
	case reflect.String:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.String(), b.String())
		}
	default:
		panic("invalid map key type")
	}
}

// exportedFields returns the indices of t's fields that are mapped to
// DBus struct fields. Unexported fields and fields tagged `dbus:"-"`
// are skipped.
func exportedFields(t reflect.Type) []int {
	var ret []int
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("dbus") == "-" {
			continue
		}
		ret = append(ret, i)
	}
	return ret
}
