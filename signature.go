package dbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// A Kind is the DBus type code of a [Type].
type Kind byte

const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindUnixFD     Kind = 'h'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	// KindDict is an array of dict entries, a{KV}.
	KindDict    Kind = '{'
	KindVariant Kind = 'v'
)

func (k Kind) String() string {
	switch k {
	case KindByte:
		return "byte"
	case KindBool:
		return "bool"
	case KindInt16:
		return "int16"
	case KindUint16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindObjectPath:
		return "object path"
	case KindSignature:
		return "signature"
	case KindUnixFD:
		return "unix fd"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindDict:
		return "dict"
	case KindVariant:
		return "variant"
	default:
		return fmt.Sprintf("Kind(%q)", byte(k))
	}
}

// IsBasic reports whether k is a basic type, which can be used as a
// dict key.
func (k Kind) IsBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64, KindDouble, KindString, KindObjectPath, KindSignature, KindUnixFD:
		return true
	}
	return false
}

// fixedSize returns the wire size of k, or 0 if k is variable
// length.
func (k Kind) fixedSize() int {
	switch k {
	case KindByte:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindUnixFD:
		return 4
	case KindInt64, KindUint64, KindDouble:
		return 8
	}
	return 0
}

// Limits on signature complexity imposed by the DBus specification.
const (
	maxSignatureLen   = 255
	maxArrayNesting   = 32
	maxStructNesting  = 32
	maxVariantNesting = 64
)

// A Type is a single complete DBus type.
//
// The zero Type is invalid.
type Type struct {
	kind Kind
	// elems is the element type of arrays, the key and value types of
	// dicts, and the field types of structs.
	elems []Type
}

var (
	TypeByte       = Type{kind: KindByte}
	TypeBool       = Type{kind: KindBool}
	TypeInt16      = Type{kind: KindInt16}
	TypeUint16     = Type{kind: KindUint16}
	TypeInt32      = Type{kind: KindInt32}
	TypeUint32     = Type{kind: KindUint32}
	TypeInt64      = Type{kind: KindInt64}
	TypeUint64     = Type{kind: KindUint64}
	TypeDouble     = Type{kind: KindDouble}
	TypeString     = Type{kind: KindString}
	TypeObjectPath = Type{kind: KindObjectPath}
	TypeSignature  = Type{kind: KindSignature}
	TypeUnixFD     = Type{kind: KindUnixFD}
	TypeVariant    = Type{kind: KindVariant}
)

// ArrayOf returns the type of arrays of elem.
func ArrayOf(elem Type) Type {
	return Type{kind: KindArray, elems: []Type{elem}}
}

// DictOf returns the type of dicts from key to val. It panics if key
// is not a basic type.
func DictOf(key, val Type) Type {
	if !key.kind.IsBasic() {
		panic(fmt.Sprintf("invalid dict key type %s, must be a basic type", key))
	}
	return Type{kind: KindDict, elems: []Type{key, val}}
}

// StructOf returns the type of structs with the given field types.
// It panics if no fields are given.
func StructOf(fields ...Type) Type {
	if len(fields) == 0 {
		panic("structs must have at least one field")
	}
	return Type{kind: KindStruct, elems: append([]Type(nil), fields...)}
}

// Kind returns the type's kind.
func (t Type) Kind() Kind { return t.kind }

// IsZero reports whether t is the invalid zero Type.
func (t Type) IsZero() bool { return t.kind == 0 }

// Elem returns the element type of an array. It panics if t is not
// an array.
func (t Type) Elem() Type {
	if t.kind != KindArray {
		panic(fmt.Sprintf("Elem of non-array type %s", t))
	}
	return t.elems[0]
}

// Key returns the key type of a dict. It panics if t is not a dict.
func (t Type) Key() Type {
	if t.kind != KindDict {
		panic(fmt.Sprintf("Key of non-dict type %s", t))
	}
	return t.elems[0]
}

// Value returns the value type of a dict. It panics if t is not a
// dict.
func (t Type) Value() Type {
	if t.kind != KindDict {
		panic(fmt.Sprintf("Value of non-dict type %s", t))
	}
	return t.elems[1]
}

// Fields returns the field types of a struct. It panics if t is not a
// struct.
func (t Type) Fields() []Type {
	if t.kind != KindStruct {
		panic(fmt.Sprintf("Fields of non-struct type %s", t))
	}
	return append([]Type(nil), t.elems...)
}

// Alignment returns the wire alignment of t.
func (t Type) Alignment() int {
	switch t.kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindUnixFD, KindString, KindObjectPath, KindArray, KindDict:
		return 4
	default:
		return 8
	}
}

// Equal reports whether t and o are the same type.
func (t Type) Equal(o Type) bool {
	if t.kind != o.kind || len(t.elems) != len(o.elems) {
		return false
	}
	for i := range t.elems {
		if !t.elems[i].Equal(o.elems[i]) {
			return false
		}
	}
	return true
}

// String returns the DBus signature string of t.
func (t Type) String() string {
	var b strings.Builder
	t.appendTo(&b)
	return b.String()
}

func (t Type) appendTo(b *strings.Builder) {
	switch t.kind {
	case 0:
		b.WriteString("<invalid>")
	case KindArray:
		b.WriteByte('a')
		t.elems[0].appendTo(b)
	case KindDict:
		b.WriteString("a{")
		t.elems[0].appendTo(b)
		t.elems[1].appendTo(b)
		b.WriteByte('}')
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.elems {
			f.appendTo(b)
		}
		b.WriteByte(')')
	default:
		b.WriteByte(byte(t.kind))
	}
}

// A Signature is a sequence of zero or more complete DBus types, as
// found in message bodies and in values of type 'g'.
type Signature struct {
	str   string
	types []Type
}

var (
	strToSignature   sync.Map // string -> Signature
	cachedSignatures atomic.Int64
)

// maxCachedSignatures bounds the signature cache, since signature
// strings arrive from remote peers.
const maxCachedSignatures = 4096

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ent, ok := strToSignature.Load(sig); ok {
		return ent.(Signature), nil
	}

	ret, err := parseSignature(sig)
	if err != nil {
		return Signature{}, fmt.Errorf("invalid type signature %q: %w", sig, err)
	}
	if cachedSignatures.Add(1) <= maxCachedSignatures {
		if _, loaded := strToSignature.LoadOrStore(sig, ret); loaded {
			cachedSignatures.Add(-1)
		}
	} else {
		cachedSignatures.Add(-1)
	}
	return ret, nil
}

// MustParseSignature is like [ParseSignature], but panics on error.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

func parseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("signature is %d bytes, maximum is %d", len(sig), maxSignatureLen)
	}
	var (
		rest  = sig
		parts []Type
		part  Type
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, 0, 0)
		if err != nil {
			return Signature{}, err
		}
		parts = append(parts, part)
	}
	return Signature{sig, parts}, nil
}

// ParseType parses a signature string that must contain exactly one
// complete type.
func ParseType(sig string) (Type, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return Type{}, err
	}
	if len(s.types) != 1 {
		return Type{}, fmt.Errorf("signature %q is not a single complete type", sig)
	}
	return s.types[0], nil
}

// MustParseType is like [ParseType], but panics on error.
func MustParseType(sig string) Type {
	ret, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of sig,
// and returns the corresponding Type as well as the remainder of the
// type string. arrays and structs are the container depths at which
// sig appears.
func parseOne(sig string, arrays, structs int) (t Type, rest string, err error) {
	k := Kind(sig[0])
	if k.IsBasic() || k == KindVariant {
		return Type{kind: k}, sig[1:], nil
	}

	switch k {
	case KindArray:
		if arrays+1 > maxArrayNesting {
			return Type{}, "", fmt.Errorf("arrays nested more than %d deep", maxArrayNesting)
		}
		if len(sig) == 1 {
			return Type{}, "", errors.New("missing array element type")
		}
		if sig[1] == '{' {
			return parseDictEntry(sig[1:], arrays+1, structs)
		}
		elem, rest, err := parseOne(sig[1:], arrays+1, structs)
		if err != nil {
			return Type{}, "", err
		}
		return ArrayOf(elem), rest, nil
	case KindStruct:
		if structs+1 > maxStructNesting {
			return Type{}, "", fmt.Errorf("structs nested more than %d deep", maxStructNesting)
		}
		var (
			fields []Type
			field  Type
			rest   = sig[1:]
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, arrays, structs+1)
			if err != nil {
				return Type{}, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return Type{}, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return Type{}, "", errors.New("empty struct")
		}
		return Type{kind: KindStruct, elems: fields}, rest[1:], nil
	case KindDict:
		return Type{}, "", errors.New("dict entry type found outside array")
	case ')', '}':
		return Type{}, "", fmt.Errorf("unexpected %q", sig[0])
	default:
		return Type{}, "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// parseDictEntry parses "{KV}" from the front of sig.
func parseDictEntry(sig string, arrays, structs int) (Type, string, error) {
	if structs+1 > maxStructNesting {
		return Type{}, "", fmt.Errorf("structs nested more than %d deep", maxStructNesting)
	}
	if len(sig) < 2 {
		return Type{}, "", errors.New("missing dict entry key type")
	}
	key, rest, err := parseOne(sig[1:], arrays, structs+1)
	if err != nil {
		return Type{}, "", err
	}
	if !key.kind.IsBasic() {
		return Type{}, "", fmt.Errorf("invalid dict entry key type %s, must be a dbus basic type", key)
	}
	if rest == "" || rest[0] == '}' {
		return Type{}, "", errors.New("missing dict entry value type")
	}
	val, rest, err := parseOne(rest, arrays, structs+1)
	if err != nil {
		return Type{}, "", err
	}
	if rest == "" || rest[0] != '}' {
		return Type{}, "", errors.New("missing closing } in dict entry definition")
	}
	return Type{kind: KindDict, elems: []Type{key, val}}, rest[1:], nil
}

// SignatureOf returns the Signature made of the types of the given
// values.
func SignatureOf(vs ...Value) Signature {
	ts := make([]Type, len(vs))
	for i, v := range vs {
		ts[i] = v.Type()
	}
	return NewSignature(ts...)
}

// NewSignature returns the Signature made of the given types.
func NewSignature(ts ...Type) Signature {
	var b strings.Builder
	for _, t := range ts {
		t.appendTo(&b)
	}
	return Signature{b.String(), append([]Type(nil), ts...)}
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is empty. An empty signature
// describes a void value.
func (s Signature) IsZero() bool {
	return len(s.types) == 0
}

// Types returns the complete types that make up the signature.
func (s Signature) Types() []Type {
	return append([]Type(nil), s.types...)
}

// Len returns the number of complete types in the signature.
func (s Signature) Len() int {
	return len(s.types)
}

// Single returns the signature's type, if it is made of exactly one
// complete type.
func (s Signature) Single() (Type, bool) {
	if len(s.types) != 1 {
		return Type{}, false
	}
	return s.types[0], true
}
