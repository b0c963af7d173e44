package dbus

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danderson/dbus/v2/fragments"
)

// ErrProtocol is wrapped by errors that indicate the remote peer, or
// a local caller, violated the DBus protocol.
var ErrProtocol = errors.New("dbus protocol violation")

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MsgTypeCall MessageType = iota + 1
	MsgTypeReturn
	MsgTypeError
	MsgTypeSignal
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeCall:
		return "method_call"
	case MsgTypeReturn:
		return "method_return"
	case MsgTypeError:
		return "error"
	case MsgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Flags are the flags of a DBus message header.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the caller does not want a
	// reply to a method call.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch the destination
	// service to handle the message.
	FlagNoAutoStart
	// FlagAllowInteractiveAuth indicates that the caller is prepared
	// to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuth
)

const (
	maxMessageSize  = 128 << 20
	fixedHeaderLen  = 16
	protocolVersion = 1
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

var (
	headerSignature = MustParseSignature("yyyyuua(yv)")
	headerFieldType = StructOf(TypeByte, TypeVariant)
	fieldTypes      = map[byte]Type{
		fieldPath:        TypeObjectPath,
		fieldInterface:   TypeString,
		fieldMember:      TypeString,
		fieldErrorName:   TypeString,
		fieldReplySerial: TypeUint32,
		fieldDestination: TypeString,
		fieldSender:      TypeString,
		fieldSignature:   TypeSignature,
		fieldUnixFDs:     TypeUint32,
	}
)

// A Message is a DBus message.
type Message struct {
	Type  MessageType
	Flags Flags
	// Serial is the message's serial number. It is assigned by the
	// [Dispatcher] when the message is sent.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for calls and signals.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal. Required for signals.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for calls and signals.
	Member string
	// ErrorName is the name of the error that occurred. Required for
	// errors.
	ErrorName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for method returns and errors.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the unique name of the message sender. The message bus
	// populates this value itself.
	Sender string

	// Body is the message's payload. Its signature is carried in the
	// header.
	Body []Value
	// Files are the file descriptors that [UnixFD] values in Body
	// refer to.
	Files []*os.File
	// UnixFDs is the number of file descriptors declared by a
	// received message's header. When sending, len(Files) is used
	// instead.
	UnixFDs uint32
}

// NewMethodCall returns a method call message.
func NewMethodCall(destination string, path ObjectPath, iface, member string, body ...Value) *Message {
	return &Message{
		Type:        MsgTypeCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        body,
	}
}

// NewSignal returns a signal message.
func NewSignal(path ObjectPath, iface, member string, body ...Value) *Message {
	return &Message{
		Type:      MsgTypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

// NewMethodReturn returns a successful reply to call.
func NewMethodReturn(call *Message, body ...Value) *Message {
	return &Message{
		Type:        MsgTypeReturn,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Body:        body,
	}
}

// NewError returns an error reply to call. If detail is not empty, it
// is carried as the error's message.
func NewError(call *Message, name, detail string) *Message {
	ret := &Message{
		Type:        MsgTypeError,
		Flags:       FlagNoReplyExpected,
		ErrorName:   name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if detail != "" {
		ret.Body = []Value{String(detail)}
	}
	return ret
}

// Signature returns the signature of the message body.
func (m *Message) Signature() Signature {
	return SignatureOf(m.Body...)
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MsgTypeCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt, if the sender lacks
// the necessary privileges for the message, and the bus or
// destination wish to trigger an interactive prompt.
func (m *Message) CanInteract() bool {
	return m.Type == MsgTypeCall && m.Flags&FlagAllowInteractiveAuth != 0
}

// Err returns the [CallError] carried by an error message, or nil
// if m is not an error.
func (m *Message) Err() error {
	if m.Type != MsgTypeError {
		return nil
	}
	ret := CallError{Name: m.ErrorName}
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(String); ok {
			ret.Detail = string(s)
		}
	}
	return ret
}

// Valid checks that the message has the header fields required for
// its type, and that they are well formed.
func (m *Message) Valid() error {
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case MsgTypeCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case MsgTypeReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case MsgTypeError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
	case MsgTypeSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus specification says to
		// ignore them gracefully.
	}

	if m.Path != "" {
		if err := m.Path.Valid(); err != nil {
			return err
		}
	}
	if m.Interface != "" {
		if err := ValidInterfaceName(m.Interface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := ValidMemberName(m.Member); err != nil {
			return err
		}
	}
	if m.ErrorName != "" {
		if err := ValidErrorName(m.ErrorName); err != nil {
			return err
		}
	}
	if m.Destination != "" {
		if err := ValidBusName(m.Destination); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Type, m.Serial)
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.ReplySerial)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " destination=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", m.Interface)
	}
	if m.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.Member)
	}
	if m.ErrorName != "" {
		fmt.Fprintf(&b, " error_name=%s", m.ErrorName)
	}
	if len(m.Body) > 0 {
		fmt.Fprintf(&b, " signature=%q", m.Signature())
	}
	return b.String()
}

// EncodeMessage returns the wire encoding of m in the given byte
// order. m.Serial must already be set.
func EncodeMessage(order fragments.ByteOrder, m *Message) ([]byte, error) {
	if m.Serial == 0 {
		return nil, errors.New("invalid message with zero Serial")
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}

	sig := m.Signature()
	body, err := Marshal(order, sig, m.Body...)
	if err != nil {
		return nil, fmt.Errorf("encoding message body: %w", err)
	}

	var fields []Value
	field := func(code byte, v Value) {
		fields = append(fields, Struct{Byte(code), Variant{v}})
	}
	if m.Path != "" {
		field(fieldPath, m.Path)
	}
	if m.Interface != "" {
		field(fieldInterface, String(m.Interface))
	}
	if m.Member != "" {
		field(fieldMember, String(m.Member))
	}
	if m.ErrorName != "" {
		field(fieldErrorName, String(m.ErrorName))
	}
	if m.ReplySerial != 0 {
		field(fieldReplySerial, Uint32(m.ReplySerial))
	}
	if m.Destination != "" {
		field(fieldDestination, String(m.Destination))
	}
	if m.Sender != "" {
		field(fieldSender, String(m.Sender))
	}
	if !sig.IsZero() {
		field(fieldSignature, sig)
	}
	if len(m.Files) > 0 {
		field(fieldUnixFDs, Uint32(len(m.Files)))
	}

	e := &fragments.Encoder{Order: order}
	err = encodeBody(e, headerSignature, []Value{
		Byte(fragments.Flag(order)),
		Byte(m.Type),
		Byte(m.Flags),
		Byte(protocolVersion),
		Uint32(len(body)),
		Uint32(m.Serial),
		Array{Elem: headerFieldType, Items: fields},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message header: %w", err)
	}
	e.Pad(8)
	if len(e.Out)+len(body) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", len(e.Out)+len(body), maxMessageSize)
	}
	e.Write(body)
	return e.Out, nil
}

// MessageLength returns the total length of the message that begins
// with prefix. prefix must contain at least the 16 byte fixed header.
func MessageLength(prefix []byte) (int, error) {
	if len(prefix) < fixedHeaderLen {
		return 0, fmt.Errorf("need %d bytes of header, have %d", fixedHeaderLen, len(prefix))
	}
	order, err := fragments.OrderForFlag(prefix[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if prefix[3] != protocolVersion {
		return 0, fmt.Errorf("%w: unsupported protocol version %d", ErrProtocol, prefix[3])
	}
	bodyLen := int64(order.Uint32(prefix[4:8]))
	fieldsLen := int64(order.Uint32(prefix[12:16]))
	if fieldsLen > fragments.MaxArrayLength {
		return 0, fmt.Errorf("%w: header fields length %d exceeds maximum", ErrProtocol, fieldsLen)
	}
	total := fixedHeaderLen + (fieldsLen+7)&^7 + bodyLen
	if total > maxMessageSize {
		return 0, fmt.Errorf("%w: message size %d exceeds maximum %d", ErrProtocol, total, maxMessageSize)
	}
	return int(total), nil
}

// DecodeMessage decodes the single complete message in bs.
//
// Errors in the message header wrap [ErrProtocol] and return a nil
// Message. If only the body is malformed, DecodeMessage returns the
// message with a nil Body alongside a [*MismatchError], so that the
// caller can still respond to it.
func DecodeMessage(bs []byte) (*Message, error) {
	ln, err := MessageLength(bs)
	if err != nil {
		return nil, err
	}
	if ln != len(bs) {
		return nil, fmt.Errorf("%w: message is %d bytes, buffer is %d", ErrProtocol, ln, len(bs))
	}
	order, _ := fragments.OrderForFlag(bs[0])
	fieldsLen := int(order.Uint32(bs[12:16]))
	hdrEnd := fixedHeaderLen + fieldsLen

	hdr, err := Unmarshal(bs[:hdrEnd], order, headerSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrProtocol, err)
	}
	m := &Message{
		Type:   MessageType(hdr[1].(Byte)),
		Flags:  Flags(hdr[2].(Byte)),
		Serial: uint32(hdr[5].(Uint32)),
	}
	if m.Serial == 0 {
		return nil, fmt.Errorf("%w: message with zero serial", ErrProtocol)
	}
	var sig Signature
	seen := map[byte]bool{}
	for _, f := range hdr[6].(Array).Items {
		st := f.(Struct)
		code := byte(st[0].(Byte))
		v := st[1].(Variant).Value
		want, known := fieldTypes[code]
		if !known {
			continue
		}
		if seen[code] {
			return nil, fmt.Errorf("%w: duplicate header field %d", ErrProtocol, code)
		}
		seen[code] = true
		if !v.Type().Equal(want) {
			return nil, fmt.Errorf("%w: header field %d has type %s, want %s", ErrProtocol, code, v.Type(), want)
		}
		switch code {
		case fieldPath:
			m.Path = v.(ObjectPath)
		case fieldInterface:
			m.Interface = string(v.(String))
		case fieldMember:
			m.Member = string(v.(String))
		case fieldErrorName:
			m.ErrorName = string(v.(String))
		case fieldReplySerial:
			m.ReplySerial = uint32(v.(Uint32))
		case fieldDestination:
			m.Destination = string(v.(String))
		case fieldSender:
			m.Sender = string(v.(String))
		case fieldSignature:
			sig = v.(Signature)
		case fieldUnixFDs:
			m.UnixFDs = uint32(v.(Uint32))
		}
	}
	if err := m.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	bodyStart := (hdrEnd + 7) &^ 7
	for _, b := range bs[hdrEnd:bodyStart] {
		if b != 0 {
			return nil, fmt.Errorf("%w: non-zero padding after header", ErrProtocol)
		}
	}
	body := bs[bodyStart:]
	if sig.IsZero() {
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: %d body bytes without a signature", ErrProtocol, len(body))
		}
		return m, nil
	}
	vals, err := Unmarshal(body, order, sig)
	if err != nil {
		return m, err
	}
	m.Body = vals
	return m, nil
}

// A MessageBuffer accumulates bytes read from a stream and splits
// them into messages.
type MessageBuffer struct {
	buf []byte
}

// Feed appends bs to the buffer.
func (b *MessageBuffer) Feed(bs []byte) {
	b.buf = append(b.buf, bs...)
}

// Len returns the number of buffered bytes.
func (b *MessageBuffer) Len() int {
	return len(b.buf)
}

// Next returns the next complete message in the buffer, or nil if
// more bytes are needed.
//
// Errors wrapping [ErrProtocol] mean the stream cannot be resumed.
// A [*MismatchError] means the message's body was malformed; the
// message is consumed and returned, and the stream remains usable.
func (b *MessageBuffer) Next() (*Message, error) {
	if len(b.buf) < fixedHeaderLen {
		return nil, nil
	}
	ln, err := MessageLength(b.buf)
	if err != nil {
		return nil, err
	}
	if len(b.buf) < ln {
		return nil, nil
	}
	m, err := DecodeMessage(b.buf[:ln])
	b.buf = append(b.buf[:0], b.buf[ln:]...)
	return m, err
}
