package dbus

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

var typeForCache sync.Map // reflect.Type -> typeForEntry

type typeForEntry struct {
	t   Type
	err error
}

// TypeFor returns the DBus type that [ValueOf] produces for values
// of Go type t.
func TypeFor(t reflect.Type) (Type, error) {
	if ent, ok := typeForCache.Load(t); ok {
		ent := ent.(typeForEntry)
		return ent.t, ent.err
	}
	ret, err := typeFor(t, nil)
	typeForCache.Store(t, typeForEntry{ret, err})
	return ret, err
}

func typeFor(t reflect.Type, stack []reflect.Type) (Type, error) {
	if t == nil {
		return Type{}, typeErr(t, "nil interface")
	}
	if slices.Contains(stack, t) {
		return Type{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	t = derefType(t)
	if ret, ok := namedTypes[t]; ok {
		return ret, nil
	}
	if t.Implements(reflect.TypeFor[Value]()) {
		// Container Values carry their type at runtime only.
		switch t {
		case reflect.TypeFor[Byte](), reflect.TypeFor[Bool](), reflect.TypeFor[Int16](),
			reflect.TypeFor[Uint16](), reflect.TypeFor[Int32](), reflect.TypeFor[Uint32](),
			reflect.TypeFor[Int64](), reflect.TypeFor[Uint64](), reflect.TypeFor[Double](),
			reflect.TypeFor[String]():
			return reflect.Zero(t).Interface().(Value).Type(), nil
		}
		return Type{}, typeErr(t, "type is only known at runtime")
	}
	if ret, ok := kindToType[t.Kind()]; ok {
		return ret, nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		et, err := typeFor(t.Elem(), stack)
		if err != nil {
			return Type{}, err
		}
		return ArrayOf(et), nil
	case reflect.Map:
		if !mapKeyKinds.Has(t.Key().Kind()) || t.Key() == reflect.TypeFor[any]() {
			return Type{}, typeErr(t, "map key %s is not a dbus basic type", t.Key())
		}
		kt, err := typeFor(t.Key(), stack)
		if err != nil {
			return Type{}, err
		}
		vt, err := typeFor(t.Elem(), stack)
		if err != nil {
			return Type{}, err
		}
		return DictOf(kt, vt), nil
	case reflect.Struct:
		idx := exportedFields(t)
		if len(idx) == 0 {
			return Type{}, typeErr(t, "struct has no exported fields")
		}
		fs := make([]Type, 0, len(idx))
		for _, i := range idx {
			ft, err := typeFor(t.Field(i).Type, stack)
			if err != nil {
				return Type{}, err
			}
			fs = append(fs, ft)
		}
		return StructOf(fs...), nil
	}

	return Type{}, typeErr(t, "no mapping available")
}

// ValueOf converts the Go value v to a DBus [Value].
//
// Values that are already a [Value] are returned unchanged. Go's
// basic types map to the corresponding DBus basic types, slices and
// arrays to DBus arrays, maps to dicts, structs to structs of their
// exported fields, and interface values to variants.
func ValueOf(v any) (Value, error) {
	if ret, ok := v.(Value); ok {
		return ret, nil
	}
	if v == nil {
		return nil, typeErr(nil, "nil value")
	}
	return valueOf(reflect.ValueOf(v))
}

func valueOf(rv reflect.Value) (Value, error) {
	orig := rv.Type()
	rv = derefZero(rv)
	if !rv.IsValid() {
		return nil, typeErr(orig, "nil pointer")
	}
	if rv.Type().Implements(reflect.TypeFor[Value]()) && rv.Kind() != reflect.Interface {
		return rv.Interface().(Value), nil
	}

	t := rv.Type()
	switch t {
	case reflect.TypeFor[any](), reflect.TypeFor[Value]():
		if rv.IsNil() {
			return nil, typeErr(t, "nil interface")
		}
		inner, err := valueOf(rv.Elem())
		if err != nil {
			return nil, err
		}
		if vv, ok := inner.(Variant); ok {
			return vv, nil
		}
		return Variant{inner}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Uint8:
		return Byte(rv.Uint()), nil
	case reflect.Int16:
		return Int16(rv.Int()), nil
	case reflect.Uint16:
		return Uint16(rv.Uint()), nil
	case reflect.Int32:
		return Int32(rv.Int()), nil
	case reflect.Uint32:
		return Uint32(rv.Uint()), nil
	case reflect.Int, reflect.Int64:
		return Int64(rv.Int()), nil
	case reflect.Uint, reflect.Uint64:
		return Uint64(rv.Uint()), nil
	case reflect.Float64:
		return Double(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	}

	typ, err := TypeFor(t)
	if err != nil {
		return nil, err
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		ret := Array{Elem: typ.Elem()}
		for i := range rv.Len() {
			ev, err := valueOf(rv.Index(i))
			if err != nil {
				return nil, err
			}
			ret.Items = append(ret.Items, ev)
		}
		return ret, nil
	case reflect.Map:
		ret := Dict{KeyType: typ.Key(), ValueType: typ.Value()}
		keys := rv.MapKeys()
		slices.SortFunc(keys, mapKeyCmp(t.Key()))
		for _, k := range keys {
			kv, err := valueOf(k)
			if err != nil {
				return nil, err
			}
			vv, err := valueOf(rv.MapIndex(k))
			if err != nil {
				return nil, err
			}
			ret.Entries = append(ret.Entries, DictEntry{kv, vv})
		}
		return ret, nil
	case reflect.Struct:
		var ret Struct
		for _, i := range exportedFields(t) {
			fv, err := valueOf(rv.Field(i))
			if err != nil {
				return nil, err
			}
			ret = append(ret, fv)
		}
		return ret, nil
	}
	return nil, typeErr(t, "no mapping available")
}

// Store copies the DBus value v into the Go value pointed to by out.
//
// It is the inverse of [ValueOf]: out may point to any Go type that
// ValueOf accepts, and v must have the corresponding DBus type.
// Variants are unwrapped as needed when out is not itself a [Value]
// or [Variant]. When out points to an empty interface, Store fills it
// with the native Go form of v: basic Go types for basic values,
// slices for arrays, maps for dicts and []any for structs.
func Store(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("Store destination must be a non-nil pointer, got %T", out)
	}
	return store(v, rv.Elem())
}

func storeMismatch(v Value, out reflect.Value) error {
	want := out.Type().String()
	if t, err := TypeFor(out.Type()); err == nil {
		want = t.String()
	}
	return &MismatchError{Expected: want, Found: typeString(v), Offset: -1}
}

func store(v Value, out reflect.Value) error {
	if v == nil {
		return storeMismatch(v, out)
	}
	out = derefAlloc(out)
	t := out.Type()

	switch t {
	case reflect.TypeFor[Value]():
		out.Set(reflect.ValueOf(v))
		return nil
	case reflect.TypeFor[any]():
		if vv, ok := v.(Variant); ok {
			v = vv.Value
		}
		native := reflect.New(nativeType(v.Type())).Elem()
		if err := store(v, native); err != nil {
			return err
		}
		out.Set(native)
		return nil
	case reflect.TypeFor[Variant]():
		if vv, ok := v.(Variant); ok {
			out.Set(reflect.ValueOf(vv))
		} else {
			out.Set(reflect.ValueOf(Variant{v}))
		}
		return nil
	}
	if reflect.TypeOf(v) == t {
		out.Set(reflect.ValueOf(v))
		return nil
	}
	if vv, ok := v.(Variant); ok {
		return store(vv.Value, out)
	}

	switch x := v.(type) {
	case Bool:
		if t.Kind() != reflect.Bool {
			return storeMismatch(v, out)
		}
		out.SetBool(bool(x))
	case UnixFD:
		if t.Kind() != reflect.Uint32 {
			return storeMismatch(v, out)
		}
		out.SetUint(uint64(x))
	case Byte, Uint16, Uint32, Uint64:
		if !sameKind(t, v.Type()) {
			return storeMismatch(v, out)
		}
		out.SetUint(reflect.ValueOf(x).Uint())
	case Int16, Int32, Int64:
		if !sameKind(t, v.Type()) {
			return storeMismatch(v, out)
		}
		out.SetInt(reflect.ValueOf(x).Int())
	case Double:
		if t.Kind() != reflect.Float64 {
			return storeMismatch(v, out)
		}
		out.SetFloat(float64(x))
	case String, ObjectPath:
		if t.Kind() != reflect.String {
			return storeMismatch(v, out)
		}
		out.SetString(reflect.ValueOf(x).String())
	case Array:
		switch t.Kind() {
		case reflect.Slice:
			s := reflect.MakeSlice(t, len(x.Items), len(x.Items))
			for i, it := range x.Items {
				if err := store(it, s.Index(i)); err != nil {
					return err
				}
			}
			out.Set(s)
		case reflect.Array:
			if t.Len() != len(x.Items) {
				return storeMismatch(v, out)
			}
			for i, it := range x.Items {
				if err := store(it, out.Index(i)); err != nil {
					return err
				}
			}
		default:
			return storeMismatch(v, out)
		}
	case Dict:
		if t.Kind() != reflect.Map {
			return storeMismatch(v, out)
		}
		m := reflect.MakeMapWithSize(t, len(x.Entries))
		for _, ent := range x.Entries {
			k := reflect.New(t.Key()).Elem()
			if err := store(ent.Key, k); err != nil {
				return err
			}
			val := reflect.New(t.Elem()).Elem()
			if err := store(ent.Value, val); err != nil {
				return err
			}
			m.SetMapIndex(k, val)
		}
		out.Set(m)
	case Struct:
		if t == reflect.TypeFor[[]any]() {
			s := make([]any, len(x))
			for i, f := range x {
				if err := store(f, reflect.ValueOf(&s[i]).Elem()); err != nil {
					return err
				}
			}
			out.Set(reflect.ValueOf(s))
			return nil
		}
		if t.Kind() != reflect.Struct {
			return storeMismatch(v, out)
		}
		idx := exportedFields(t)
		if len(idx) != len(x) {
			return storeMismatch(v, out)
		}
		for i, fi := range idx {
			if err := store(x[i], out.Field(fi)); err != nil {
				return err
			}
		}
	default:
		return storeMismatch(v, out)
	}
	return nil
}

// nativeType returns the Go type that [Store] produces for DBus
// values of type t when the destination is an empty interface.
func nativeType(t Type) reflect.Type {
	switch t.Kind() {
	case KindByte:
		return reflect.TypeFor[uint8]()
	case KindBool:
		return reflect.TypeFor[bool]()
	case KindInt16:
		return reflect.TypeFor[int16]()
	case KindUint16:
		return reflect.TypeFor[uint16]()
	case KindInt32:
		return reflect.TypeFor[int32]()
	case KindUint32:
		return reflect.TypeFor[uint32]()
	case KindInt64:
		return reflect.TypeFor[int64]()
	case KindUint64:
		return reflect.TypeFor[uint64]()
	case KindDouble:
		return reflect.TypeFor[float64]()
	case KindString:
		return reflect.TypeFor[string]()
	case KindObjectPath:
		return reflect.TypeFor[ObjectPath]()
	case KindSignature:
		return reflect.TypeFor[Signature]()
	case KindUnixFD:
		return reflect.TypeFor[UnixFD]()
	case KindArray:
		return reflect.SliceOf(nativeType(t.Elem()))
	case KindDict:
		return reflect.MapOf(nativeType(t.Key()), nativeType(t.Value()))
	case KindStruct:
		return reflect.TypeFor[[]any]()
	default:
		return reflect.TypeFor[any]()
	}
}

// sameKind reports whether Go values of type t hold DBus values of
// type dt.
func sameKind(t reflect.Type, dt Type) bool {
	want, ok := kindToType[t.Kind()]
	return ok && want.Equal(dt)
}

// ValuesOf converts each of vs with [ValueOf].
func ValuesOf(vs ...any) ([]Value, error) {
	ret := make([]Value, 0, len(vs))
	for i, v := range vs {
		dv, err := ValueOf(v)
		if err != nil {
			return nil, fmt.Errorf("converting argument %d: %w", i, err)
		}
		ret = append(ret, dv)
	}
	return ret, nil
}
