package fragments_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danderson/dbus/v2/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder) error
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) error {
				e.Write([]byte{1, 2, 3})
				return nil
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"byte array",
			func(e *fragments.Encoder) error {
				return e.Bytes([]byte{1, 2, 3})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
		},

		{
			"string",
			func(e *fragments.Encoder) error {
				e.String("foo")
				return nil
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature",
			func(e *fragments.Encoder) error {
				return e.Signature("a{sv}")
			},
			[]byte{
				0x05, // length
				'a', '{', 's', 'v', '}',
				0x00, // terminator
			},
		},

		{
			"uints",
			func(e *fragments.Encoder) error {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
				return nil
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"struct padding",
			func(e *fragments.Encoder) error {
				e.Uint8(1)
				return e.Struct(func() error {
					e.Uint16(66)
					return nil
				})
			},
			[]byte{
				0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x42,
			},
		},

		{
			"array",
			func(e *fragments.Encoder) error {
				return e.Array(2, func() error {
					e.Uint16(1)
					e.Uint16(2)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
		},

		{
			"empty uint64 array",
			func(e *fragments.Encoder) error {
				return e.Array(8, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
		},

		{
			"struct array",
			func(e *fragments.Encoder) error {
				return e.Array(8, func() error {
					for _, v := range []uint16{1, 2} {
						e.Struct(func() error {
							e.Uint16(v)
							return nil
						})
					}
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
			},
		},

		{
			"byte order flag",
			func(e *fragments.Encoder) error {
				e.ByteOrderFlag()
				return nil
			},
			[]byte{'B'},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := &fragments.Encoder{Order: fragments.BigEndian}
			if err := tc.in(e); err != nil {
				t.Fatalf("encoding failed: %v", err)
			}
			if got := e.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("wrong encoding:\n  got: % x\n want: % x", got, tc.want)
			}
		})
	}
}

func TestEncoderLimits(t *testing.T) {
	e := &fragments.Encoder{Order: fragments.LittleEndian}
	if err := e.Signature(string(make([]byte, 256))); err == nil {
		t.Error("Signature() accepted a 256 byte signature")
	}
	err := e.Bytes(make([]byte, fragments.MaxArrayLength+1))
	if !errors.Is(err, fragments.ErrArrayTooLong) {
		t.Errorf("Bytes() of oversized slice got err %v, want ErrArrayTooLong", err)
	}
}
