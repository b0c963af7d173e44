package fragments

import (
	"errors"
	"fmt"
)

// MaxArrayLength is the largest array body, in bytes, that DBus
// permits.
const MaxArrayLength = 64 << 20

var (
	// ErrTruncated is returned when a read runs past the end of the
	// input, or past the end of the enclosing array.
	ErrTruncated = errors.New("unexpected end of data")
	// ErrPadding is returned when alignment padding contains non-zero
	// bytes.
	ErrPadding = errors.New("non-zero alignment padding")
	// ErrArrayTooLong is returned for arrays longer than
	// [MaxArrayLength].
	ErrArrayTooLong = errors.New("array exceeds maximum length")
)

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. No method reads outside of In.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read. Alignment is computed relative to the
	// start of In.
	In []byte

	// offset is the number of bytes consumed off the front of In so
	// far.
	offset int
	// end, if bounded is set, is the offset at which the innermost
	// array being decoded ends.
	end     int
	bounded bool
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.offset
}

// Remaining returns the number of bytes left to read in the
// innermost array, or in In if no array is being read.
func (d *Decoder) Remaining() int {
	return d.limit() - d.offset
}

func (d *Decoder) limit() int {
	if d.bounded {
		return d.end
	}
	return len(d.In)
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.offset+skip > d.limit() {
		return ErrTruncated
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return fmt.Errorf("%w at offset %d", ErrPadding, d.offset)
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases In.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || n > d.limit()-d.offset {
		return nil, ErrTruncated
	}
	ret := d.In[d.offset : d.offset+n : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array. The returned slice aliases In.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrArrayTooLong, ln)
	}
	return d.Read(int(ln))
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if int64(ln) >= int64(d.Remaining()) {
		return "", ErrTruncated
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus type signature string, which has a one byte
// length prefix.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(n int) (string, error) {
	bs, err := d.Read(n + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", fmt.Errorf("missing string terminator at offset %d", d.offset-1)
	}
	return string(bs[:n]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// ArrayHeader reads an array's length and the padding that precedes
// its first element, and returns the length of the array body in
// bytes. The caller is responsible for reading exactly that many
// bytes of elements.
func (d *Decoder) ArrayHeader(elemAlign int) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrArrayTooLong, ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if int(ln) > d.Remaining() {
		return 0, ErrTruncated
	}
	return int(ln), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement cannot read beyond the end of the array
// data, and must consume at least one byte per call.
//
// Array returns the total number of array elements that were
// processed.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if
// the array contains no elements.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.ArrayHeader(elemAlign)
	if err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}

	outerEnd, outerBounded := d.end, d.bounded
	d.end, d.bounded = d.offset+ln, true
	defer func() {
		d.end, d.bounded = outerEnd, outerBounded
	}()

	idx := 0
	for d.offset < d.end {
		start := d.offset
		if err := readElement(idx); err != nil {
			return idx, err
		}
		if d.offset == start {
			return idx, fmt.Errorf("array element %d consumed no data", idx)
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	o, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = o
	return nil
}
