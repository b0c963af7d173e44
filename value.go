package dbus

import "fmt"

// A Value is a DBus value of any type.
//
// The set of Value implementations is closed, and exactly mirrors
// the DBus type system: [Byte], [Bool], [Int16], [Uint16], [Int32],
// [Uint32], [Int64], [Uint64], [Double], [String], [ObjectPath],
// [Signature], [UnixFD], [Array], [Struct], [Dict] and [Variant].
//
// Use a type switch or [As] to get at the concrete value.
type Value interface {
	// Type returns the Value's DBus type.
	Type() Type
	isValue()
}

type (
	Byte   uint8
	Bool   bool
	Int16  int16
	Uint16 uint16
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	Double float64
	String string
	// UnixFD is an index into the file descriptors that accompany a
	// message.
	UnixFD uint32
)

func (Byte) Type() Type   { return TypeByte }
func (Bool) Type() Type   { return TypeBool }
func (Int16) Type() Type  { return TypeInt16 }
func (Uint16) Type() Type { return TypeUint16 }
func (Int32) Type() Type  { return TypeInt32 }
func (Uint32) Type() Type { return TypeUint32 }
func (Int64) Type() Type  { return TypeInt64 }
func (Uint64) Type() Type { return TypeUint64 }
func (Double) Type() Type { return TypeDouble }
func (String) Type() Type { return TypeString }
func (UnixFD) Type() Type { return TypeUnixFD }

// Type returns [TypeSignature]. Use [Signature.Types] to get the
// types the signature describes.
func (Signature) Type() Type { return TypeSignature }

func (Byte) isValue()       {}
func (Bool) isValue()       {}
func (Int16) isValue()      {}
func (Uint16) isValue()     {}
func (Int32) isValue()      {}
func (Uint32) isValue()     {}
func (Int64) isValue()      {}
func (Uint64) isValue()     {}
func (Double) isValue()     {}
func (String) isValue()     {}
func (UnixFD) isValue()     {}
func (Signature) isValue()  {}
func (ObjectPath) isValue() {}
func (Array) isValue()      {}
func (Struct) isValue()     {}
func (Dict) isValue()       {}
func (Variant) isValue()    {}

// Equal reports whether s and o are the same signature.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

// An Array is a homogeneous sequence of values of type Elem.
type Array struct {
	Elem  Type
	Items []Value
}

// NewArray returns an Array of elem values. It returns an error if
// any item is not of type elem.
func NewArray(elem Type, items ...Value) (Array, error) {
	for i, it := range items {
		if it == nil || !it.Type().Equal(elem) {
			return Array{}, fmt.Errorf("array item %d has type %s, want %s", i, typeString(it), elem)
		}
	}
	return Array{elem, items}, nil
}

func (a Array) Type() Type { return ArrayOf(a.Elem) }

// A Struct is a sequence of values of arbitrary types.
type Struct []Value

func (s Struct) Type() Type {
	fs := make([]Type, len(s))
	for i, f := range s {
		if f != nil {
			fs[i] = f.Type()
		}
	}
	return Type{kind: KindStruct, elems: fs}
}

// A Dict is a mapping of basic-typed keys to values, represented on
// the wire as an array of dict entries.
//
// Entries are kept in wire order. DBus does not forbid duplicate
// keys, and neither does Dict.
type Dict struct {
	KeyType   Type
	ValueType Type
	Entries   []DictEntry
}

// A DictEntry is one key/value pair of a [Dict].
type DictEntry struct {
	Key   Value
	Value Value
}

func (d Dict) Type() Type { return Type{kind: KindDict, elems: []Type{d.KeyType, d.ValueType}} }

// Lookup returns the value of the first entry whose key is k.
func (d Dict) Lookup(k Value) (Value, bool) {
	for _, e := range d.Entries {
		if basicEqual(e.Key, k) {
			return e.Value, true
		}
	}
	return nil, false
}

// basicEqual reports whether a and b are equal basic values.
func basicEqual(a, b Value) bool {
	if a == nil || b == nil || !a.Type().Kind().IsBasic() || !b.Type().Kind().IsBasic() {
		return false
	}
	if sa, ok := a.(Signature); ok {
		sb, ok := b.(Signature)
		return ok && sa.Equal(sb)
	}
	if _, ok := b.(Signature); ok {
		return false
	}
	return a == b
}

// Variant is a value that carries its own type.
type Variant struct {
	Value Value
}

func (Variant) Type() Type { return TypeVariant }

// As narrows v to the concrete Value type T, unwrapping any variants
// along the way. It reports whether the narrowing succeeded.
func As[T Value](v Value) (T, bool) {
	for {
		if ret, ok := v.(T); ok {
			return ret, true
		}
		vv, ok := v.(Variant)
		if !ok {
			var zero T
			return zero, false
		}
		v = vv.Value
	}
}

func typeString(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.Type().String()
}
