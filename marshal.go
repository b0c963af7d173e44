package dbus

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dbus/v2/fragments"
)

// Marshal returns the DBus wire encoding of vals, which must match
// sig. Alignment is computed as if the output begins a message body.
func Marshal(order fragments.ByteOrder, sig Signature, vals ...Value) ([]byte, error) {
	e := &fragments.Encoder{Order: order}
	if err := encodeBody(e, sig, vals); err != nil {
		return nil, err
	}
	return e.Out, nil
}

func encodeBody(e *fragments.Encoder, sig Signature, vals []Value) error {
	if len(vals) != len(sig.types) {
		return &MismatchError{
			Expected: sig.String(),
			Found:    fmt.Sprintf("%d values of type %q", len(vals), bodySignature(vals)),
			Offset:   len(e.Out),
		}
	}
	for i, t := range sig.types {
		if err := encodeValue(e, t, vals[i], 0); err != nil {
			return err
		}
	}
	return nil
}

func bodySignature(vals []Value) string {
	var b strings.Builder
	for _, v := range vals {
		b.WriteString(typeString(v))
	}
	return b.String()
}

func encodeMismatch(e *fragments.Encoder, t Type, v Value, err error) error {
	return &MismatchError{
		Expected: t.String(),
		Found:    typeString(v),
		Offset:   len(e.Out),
		Err:      err,
	}
}

func encodeValue(e *fragments.Encoder, t Type, v Value, variants int) error {
	switch t.kind {
	case KindByte:
		x, ok := v.(Byte)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint8(uint8(x))
	case KindBool:
		x, ok := v.(Bool)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		if x {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case KindInt16:
		x, ok := v.(Int16)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint16(uint16(x))
	case KindUint16:
		x, ok := v.(Uint16)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint16(uint16(x))
	case KindInt32:
		x, ok := v.(Int32)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint32(uint32(x))
	case KindUint32:
		x, ok := v.(Uint32)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint32(uint32(x))
	case KindInt64:
		x, ok := v.(Int64)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint64(uint64(x))
	case KindUint64:
		x, ok := v.(Uint64)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint64(uint64(x))
	case KindDouble:
		x, ok := v.(Double)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint64(math.Float64bits(float64(x)))
	case KindUnixFD:
		x, ok := v.(UnixFD)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		e.Uint32(uint32(x))
	case KindString:
		x, ok := v.(String)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		if err := validString(string(x)); err != nil {
			return encodeMismatch(e, t, v, err)
		}
		e.String(string(x))
	case KindObjectPath:
		x, ok := v.(ObjectPath)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		if err := x.Valid(); err != nil {
			return encodeMismatch(e, t, v, err)
		}
		e.String(string(x))
	case KindSignature:
		x, ok := v.(Signature)
		if !ok {
			return encodeMismatch(e, t, v, nil)
		}
		if _, err := ParseSignature(x.str); err != nil {
			return encodeMismatch(e, t, v, err)
		}
		if err := e.Signature(x.str); err != nil {
			return encodeMismatch(e, t, v, err)
		}
	case KindArray:
		x, ok := v.(Array)
		if !ok || !x.Elem.Equal(t.elems[0]) {
			return encodeMismatch(e, t, v, nil)
		}
		return encodeArray(e, t.elems[0], x.Items, variants)
	case KindDict:
		x, ok := v.(Dict)
		if !ok || !x.KeyType.Equal(t.elems[0]) || !x.ValueType.Equal(t.elems[1]) {
			return encodeMismatch(e, t, v, nil)
		}
		err := e.Array(8, func() error {
			for _, ent := range x.Entries {
				err := e.Struct(func() error {
					if err := encodeValue(e, t.elems[0], ent.Key, variants); err != nil {
						return err
					}
					return encodeValue(e, t.elems[1], ent.Value, variants)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		return wrapArrayErr(e, t, v, err)
	case KindStruct:
		x, ok := v.(Struct)
		if !ok || len(x) != len(t.elems) {
			return encodeMismatch(e, t, v, nil)
		}
		return e.Struct(func() error {
			for i, ft := range t.elems {
				if err := encodeValue(e, ft, x[i], variants); err != nil {
					return err
				}
			}
			return nil
		})
	case KindVariant:
		x, ok := v.(Variant)
		if !ok || x.Value == nil {
			return encodeMismatch(e, t, v, nil)
		}
		if variants+1 > maxVariantNesting {
			return encodeMismatch(e, t, v, fmt.Errorf("variants nested more than %d deep", maxVariantNesting))
		}
		inner := x.Value.Type()
		sig := inner.String()
		if _, err := ParseType(sig); err != nil {
			return encodeMismatch(e, t, v, err)
		}
		if err := e.Signature(sig); err != nil {
			return encodeMismatch(e, t, v, err)
		}
		return encodeValue(e, inner, x.Value, variants+1)
	default:
		return encodeMismatch(e, t, v, fmt.Errorf("invalid type %s", t))
	}
	return nil
}

func encodeArray(e *fragments.Encoder, elem Type, items []Value, variants int) error {
	if elem.kind == KindByte {
		bs := make([]byte, len(items))
		for i, it := range items {
			b, ok := it.(Byte)
			if !ok {
				return encodeMismatch(e, elem, it, fmt.Errorf("array element %d", i))
			}
			bs[i] = byte(b)
		}
		return wrapArrayErr(e, ArrayOf(elem), nil, e.Bytes(bs))
	}
	err := e.Array(elem.Alignment(), func() error {
		for _, it := range items {
			if err := encodeValue(e, elem, it, variants); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapArrayErr(e, ArrayOf(elem), nil, err)
}

// wrapArrayErr converts array length errors from the encoder into
// mismatch errors. Errors from array elements pass through.
func wrapArrayErr(e *fragments.Encoder, t Type, v Value, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*MismatchError); ok {
		return err
	}
	return &MismatchError{Expected: t.String(), Found: "oversized array", Offset: len(e.Out), Err: err}
}

// validString returns an error if s cannot be sent as a DBus string.
func validString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q is not valid UTF-8", s)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("string %q contains a NUL byte", s)
	}
	return nil
}
