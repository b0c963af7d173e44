// Package dbus implements the DBus wire protocol and a client
// connection on top of it.
//
// # Values
//
// DBus data is modeled by the [Value] interface. Each DBus basic type
// has a corresponding Go type ([Byte], [Bool], [Int16], [Uint16],
// [Int32], [Uint32], [Int64], [Uint64], [Double], [String],
// [ObjectPath], [Signature] and [UnixFD]), and containers are
// represented by [Array], [Struct], [Dict] and [Variant]. Every Value
// knows its own DBus [Type].
//
// [Marshal] and [Unmarshal] convert between Values and the DBus wire
// format, given a [Signature] that describes the sequence of values.
// Malformed input and values that do not match the signature are
// reported as [*MismatchError].
//
// For convenience, [ValueOf] converts ordinary Go values into Values,
// and [Store] does the reverse:
//
//   - uint8, int16, uint16, int32, uint32, int64, uint64, float64,
//     bool and string map to the corresponding DBus basic types. int
//     and uint map to 64-bit integers.
//   - Slices and arrays map to DBus arrays.
//   - Maps map to DBus dicts. The map key must be a basic type.
//   - Structs map to DBus structs of their exported fields, in
//     declaration order. Fields tagged `dbus:"-"` are skipped.
//   - Pointers map to the value pointed to.
//   - any and Value map to variants.
//
// # Messages
//
// A [Message] is a single DBus message: a method call, method return,
// error or signal. [EncodeMessage] and [DecodeMessage] convert
// messages to and from bytes, and [MessageBuffer] splits a byte
// stream into messages.
//
// # Connections
//
// A [Dispatcher] is the I/O-free core of a connection. It assigns
// serials, correlates replies with calls, and routes other messages
// to [Match] subscribers or to a [Handler]. [Conn] runs a Dispatcher
// over a connection from the transport package, and provides [Peer],
// [Object] and [Interface] handles for calling remote methods.
//
// The server subpackage implements DBus objects, with the standard
// Introspectable, Peer and Properties interfaces.
package dbus
