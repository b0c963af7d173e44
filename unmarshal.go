package dbus

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dbus/v2/fragments"
)

// Unmarshal decodes data, which must contain exactly the values
// described by sig in the given byte order. Alignment is computed as
// if data begins a message body.
//
// Malformed input is reported as a [*MismatchError].
func Unmarshal(data []byte, order fragments.ByteOrder, sig Signature) ([]Value, error) {
	d := &fragments.Decoder{Order: order, In: data}
	vals, err := decodeBody(d, sig)
	if err != nil {
		return nil, err
	}
	if n := d.Remaining(); n != 0 {
		return nil, &MismatchError{
			Expected: sig.String(),
			Found:    fmt.Sprintf("%d trailing bytes", n),
			Offset:   d.Offset(),
		}
	}
	return vals, nil
}

func decodeBody(d *fragments.Decoder, sig Signature) ([]Value, error) {
	ret := make([]Value, 0, len(sig.types))
	for _, t := range sig.types {
		v, err := decodeValue(d, t, 0)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func decodeMismatch(d *fragments.Decoder, t Type, err error) error {
	var me *MismatchError
	if errors.As(err, &me) {
		return err
	}
	found := "invalid data"
	switch {
	case errors.Is(err, fragments.ErrTruncated):
		found = "end of data"
	case errors.Is(err, fragments.ErrPadding):
		found = "non-zero padding"
	case errors.Is(err, fragments.ErrArrayTooLong):
		found = "oversized array"
	}
	return &MismatchError{Expected: t.String(), Found: found, Offset: d.Offset(), Err: err}
}

func decodeValue(d *fragments.Decoder, t Type, variants int) (Value, error) {
	v, err := decodeValueInner(d, t, variants)
	if err != nil {
		return nil, decodeMismatch(d, t, err)
	}
	return v, nil
}

func decodeValueInner(d *fragments.Decoder, t Type, variants int) (Value, error) {
	switch t.kind {
	case KindByte:
		u, err := d.Uint8()
		return Byte(u), err
	case KindBool:
		u, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return nil, &MismatchError{Expected: "b", Found: fmt.Sprintf("boolean value %d", u), Offset: d.Offset() - 4}
	case KindInt16:
		u, err := d.Uint16()
		return Int16(u), err
	case KindUint16:
		u, err := d.Uint16()
		return Uint16(u), err
	case KindInt32:
		u, err := d.Uint32()
		return Int32(u), err
	case KindUint32:
		u, err := d.Uint32()
		return Uint32(u), err
	case KindInt64:
		u, err := d.Uint64()
		return Int64(u), err
	case KindUint64:
		u, err := d.Uint64()
		return Uint64(u), err
	case KindDouble:
		u, err := d.Uint64()
		return Double(math.Float64frombits(u)), err
	case KindUnixFD:
		u, err := d.Uint32()
		return UnixFD(u), err
	case KindString:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) {
			return nil, &MismatchError{Expected: "s", Found: "invalid UTF-8", Offset: d.Offset()}
		}
		if strings.IndexByte(s, 0) >= 0 {
			return nil, &MismatchError{Expected: "s", Found: "string with interior NUL", Offset: d.Offset()}
		}
		return String(s), nil
	case KindObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if err := p.Valid(); err != nil {
			return nil, &MismatchError{Expected: "o", Found: "invalid object path", Offset: d.Offset(), Err: err}
		}
		return p, nil
	case KindSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return nil, &MismatchError{Expected: "g", Found: "invalid signature", Offset: d.Offset(), Err: err}
		}
		return sig, nil
	case KindArray:
		return decodeArray(d, t.elems[0], variants)
	case KindDict:
		ret := Dict{KeyType: t.elems[0], ValueType: t.elems[1]}
		_, err := d.Array(8, func(int) error {
			return d.Struct(func() error {
				k, err := decodeValue(d, t.elems[0], variants)
				if err != nil {
					return err
				}
				v, err := decodeValue(d, t.elems[1], variants)
				if err != nil {
					return err
				}
				ret.Entries = append(ret.Entries, DictEntry{k, v})
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case KindStruct:
		ret := make(Struct, 0, len(t.elems))
		err := d.Struct(func() error {
			for _, ft := range t.elems {
				v, err := decodeValue(d, ft, variants)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case KindVariant:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		inner, err := ParseType(s)
		if err != nil {
			return nil, &MismatchError{Expected: "v", Found: fmt.Sprintf("variant signature %q", s), Offset: d.Offset(), Err: err}
		}
		if variants+1 > maxVariantNesting {
			return nil, &MismatchError{Expected: "v", Found: fmt.Sprintf("variants nested more than %d deep", maxVariantNesting), Offset: d.Offset()}
		}
		v, err := decodeValue(d, inner, variants+1)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	default:
		return nil, fmt.Errorf("invalid type %s", t)
	}
}

func decodeArray(d *fragments.Decoder, elem Type, variants int) (Value, error) {
	ret := Array{Elem: elem}
	if sz := elem.kind.fixedSize(); sz > 0 && elem.kind != KindBool && elem.kind != KindUnixFD {
		ln, err := d.ArrayHeader(elem.Alignment())
		if err != nil {
			return nil, err
		}
		if ln%sz != 0 {
			return nil, &MismatchError{Expected: ArrayOf(elem).String(), Found: fmt.Sprintf("array length %d not a multiple of %d", ln, sz), Offset: d.Offset()}
		}
		bs, err := d.Read(ln)
		if err != nil {
			return nil, err
		}
		ret.Items = bulkDecode(d.Order, elem.kind, bs)
		return ret, nil
	}

	_, err := d.Array(elem.Alignment(), func(int) error {
		v, err := decodeValue(d, elem, variants)
		if err != nil {
			return err
		}
		ret.Items = append(ret.Items, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// bulkDecode converts a packed array of fixed-size numbers into
// values.
func bulkDecode(order fragments.ByteOrder, k Kind, bs []byte) []Value {
	sz := k.fixedSize()
	n := len(bs) / sz
	if n == 0 {
		return nil
	}
	ret := make([]Value, n)
	for i := range n {
		b := bs[i*sz : (i+1)*sz]
		switch k {
		case KindByte:
			ret[i] = Byte(b[0])
		case KindInt16:
			ret[i] = Int16(order.Uint16(b))
		case KindUint16:
			ret[i] = Uint16(order.Uint16(b))
		case KindInt32:
			ret[i] = Int32(order.Uint32(b))
		case KindUint32:
			ret[i] = Uint32(order.Uint32(b))
		case KindInt64:
			ret[i] = Int64(order.Uint64(b))
		case KindUint64:
			ret[i] = Uint64(order.Uint64(b))
		case KindDouble:
			ret[i] = Double(math.Float64frombits(order.Uint64(b)))
		}
	}
	return ret
}
