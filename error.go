package dbus

import (
	"errors"
	"fmt"
	"reflect"
)

// Well-known DBus error names.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrNameDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
)

var (
	// ErrConnectionLost is returned to callers awaiting a reply when
	// the connection is torn down before the reply arrives.
	ErrConnectionLost = errors.New("dbus connection lost")
	// ErrReplyConsumed is returned when taking a reply that has
	// already been taken.
	ErrReplyConsumed = errors.New("reply already consumed")
)

// TypeError is the error returned when a Go type cannot be
// represented in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// MismatchError is the error returned when a value does not match
// the DBus type it is being encoded or decoded as.
type MismatchError struct {
	// Expected is the signature of the expected type.
	Expected string
	// Found describes what was found instead.
	Found string
	// Offset is the byte offset at which the mismatch happened, or -1
	// if the mismatch is not tied to a position in encoded data.
	Offset int
	// Err is the underlying error, if any.
	Err error
}

func (e *MismatchError) Error() string {
	var msg string
	if e.Offset < 0 {
		msg = fmt.Sprintf("type mismatch: expected %s, found %s", e.Expected, e.Found)
	} else {
		msg = fmt.Sprintf("type mismatch at offset %d: expected %s, found %s", e.Offset, e.Expected, e.Found)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}
