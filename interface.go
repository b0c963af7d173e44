package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

func (f Interface) newCall(method string, args []any) (*Message, error) {
	body, err := ValuesOf(args...)
	if err != nil {
		return nil, err
	}
	return NewMethodCall(f.Peer().Name(), f.Object().Path(), f.name, method, body...), nil
}

// Call calls method on the interface with the given arguments, and
// returns the reply body.
//
// Arguments are converted with [ValueOf]. It is the caller's
// responsibility to match them to the signature of the method being
// invoked.
func (f Interface) Call(ctx context.Context, method string, args ...any) ([]Value, error) {
	msg, err := f.newCall(method, args)
	if err != nil {
		return nil, err
	}
	resp, err := f.Conn().Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// OneWay calls method on the interface with the given arguments, and
// tells the peer not to send a reply.
//
// OneWay returns after the method call is queued. Since the response
// is suppressed at the bus level, there is no way to know whether the
// call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...any) error {
	msg, err := f.newCall(method, args)
	if err != nil {
		return err
	}
	msg.Flags |= FlagNoReplyExpected
	_, err = f.Conn().Call(ctx, msg)
	return err
}

// Call calls method on iface and stores the reply in a value of type
// Resp, using [Store]. A reply with several values is stored as a
// struct.
func Call[Resp any](ctx context.Context, iface Interface, method string, args ...any) (Resp, error) {
	var ret Resp
	body, err := iface.Call(ctx, method, args...)
	if err != nil {
		return ret, err
	}
	if err := storeBody(body, &ret); err != nil {
		return ret, fmt.Errorf("decoding reply to %s.%s: %w", iface.Name(), method, err)
	}
	return ret, nil
}

func storeBody(body []Value, out any) error {
	switch len(body) {
	case 0:
		return nil
	case 1:
		return Store(body[0], out)
	default:
		return Store(Struct(body), out)
	}
}

// GetProperty reads the value of the named property.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	resp, err := f.Object().Interface(InterfaceProperties).Call(ctx, "Get", f.name, name)
	if err != nil {
		return nil, err
	}
	if len(resp) != 1 {
		return nil, fmt.Errorf("Properties.Get returned %d values, want 1", len(resp))
	}
	v, ok := resp[0].(Variant)
	if !ok {
		return nil, fmt.Errorf("Properties.Get returned %s, want a variant", typeString(resp[0]))
	}
	return v.Value, nil
}

// GetProperty reads the named property of iface into a value of type
// T.
func GetProperty[T any](ctx context.Context, iface Interface, name string) (T, error) {
	var ret T
	v, err := iface.GetProperty(ctx, name)
	if err != nil {
		return ret, err
	}
	if err := Store(v, &ret); err != nil {
		return ret, fmt.Errorf("decoding property %s.%s: %w", iface.Name(), name, err)
	}
	return ret, nil
}

// SetProperty sets the named property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	v, err := ValueOf(value)
	if err != nil {
		return err
	}
	if _, ok := v.(Variant); !ok {
		v = Variant{v}
	}
	_, err = f.Object().Interface(InterfaceProperties).Call(ctx, "Set", f.name, name, v)
	return err
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	resp, err := Call[map[string]Variant](ctx, f.Object().Interface(InterfaceProperties), "GetAll", f.name)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]Value, len(resp))
	for k, v := range resp {
		ret[k] = v.Value
	}
	return ret, nil
}
