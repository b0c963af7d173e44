package server

import (
	"context"
	"fmt"

	"github.com/danderson/dbus/v2"
)

// A MethodFunc implements a DBus method. It returns the values of
// the method's reply.
//
// To reply later, call [Call.Defer] and return nil, nil.
type MethodFunc func(call *Call) ([]dbus.Value, error)

// A GetFunc reads the value of a property.
type GetFunc func(ctx context.Context, obj *Object) (dbus.Value, error)

// A SetFunc sets the value of a property. v has already been checked
// against the property's type.
type SetFunc func(ctx context.Context, obj *Object, v dbus.Value) error

// EmitsChanged is the change notification class of a property.
type EmitsChanged string

const (
	// EmitsTrue properties send their new value in
	// PropertiesChanged.
	EmitsTrue EmitsChanged = "true"
	// EmitsInvalidates properties are listed as invalidated in
	// PropertiesChanged, without their value.
	EmitsInvalidates EmitsChanged = "invalidates"
	// EmitsConst properties never change.
	EmitsConst EmitsChanged = "const"
	// EmitsFalse properties may change, but do not send
	// PropertiesChanged.
	EmitsFalse EmitsChanged = "false"
)

// Interface is the definition of a DBus interface that objects in a
// [Tree] can implement.
//
// An Interface is built with [NewInterface] and the methods below,
// and becomes immutable once passed to [Tree.Register]. Building on a
// registered Interface panics.
type Interface struct {
	name       string
	methods    []*Method
	props      []*Property
	signals    []*Signal
	deprecated bool
	frozen     bool
}

// NewInterface returns an empty interface definition.
func NewInterface(name string) *Interface {
	return &Interface{name: name}
}

// Name returns the interface's name.
func (i *Interface) Name() string { return i.name }

func (i *Interface) mutable() {
	if i.frozen {
		panic(fmt.Errorf("interface %s modified after registration", i.name))
	}
}

// Deprecated marks the interface as deprecated.
func (i *Interface) Deprecated() *Interface {
	i.mutable()
	i.deprecated = true
	return i
}

// Method adds the method name, implemented by fn.
func (i *Interface) Method(name string, fn MethodFunc) *Method {
	i.mutable()
	if err := dbus.ValidMemberName(name); err != nil {
		panic(err)
	}
	if i.method(name) != nil {
		panic(fmt.Errorf("duplicate method %s.%s", i.name, name))
	}
	ret := &Method{iface: i, name: name, fn: fn}
	i.methods = append(i.methods, ret)
	return ret
}

// Property adds the property name, of DBus type sig.
//
// The property is neither readable nor writable until [Property.Get]
// or [Property.Set] are called.
func (i *Interface) Property(name, sig string) *Property {
	i.mutable()
	if err := dbus.ValidMemberName(name); err != nil {
		panic(err)
	}
	if i.property(name) != nil {
		panic(fmt.Errorf("duplicate property %s.%s", i.name, name))
	}
	ret := &Property{
		iface: i,
		name:  name,
		typ:   dbus.MustParseType(sig),
		emits: EmitsTrue,
	}
	i.props = append(i.props, ret)
	return ret
}

// Signal adds the signal name.
func (i *Interface) Signal(name string) *Signal {
	i.mutable()
	if err := dbus.ValidMemberName(name); err != nil {
		panic(err)
	}
	ret := &Signal{iface: i, name: name}
	i.signals = append(i.signals, ret)
	return ret
}

func (i *Interface) method(name string) *Method {
	for _, m := range i.methods {
		if m.name == name {
			return m
		}
	}
	return nil
}

func (i *Interface) property(name string) *Property {
	for _, p := range i.props {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (i *Interface) freeze() {
	i.frozen = true
	for _, m := range i.methods {
		m.inSig = argSignature(m.in)
		m.outSig = argSignature(m.out)
	}
}

// describe returns the introspection description of i.
func (i *Interface) describe() *dbus.InterfaceDescription {
	ret := &dbus.InterfaceDescription{
		Name:       i.name,
		Deprecated: i.deprecated,
	}
	for _, m := range i.methods {
		ret.Methods = append(ret.Methods, &dbus.MethodDescription{
			Name:       m.name,
			In:         m.in,
			Out:        m.out,
			Deprecated: m.deprecated,
			NoReply:    m.noReply,
		})
	}
	for _, s := range i.signals {
		ret.Signals = append(ret.Signals, &dbus.SignalDescription{
			Name:       s.name,
			Args:       s.args,
			Deprecated: s.deprecated,
		})
	}
	for _, p := range i.props {
		d := &dbus.PropertyDescription{
			Name:       p.name,
			Type:       dbus.NewSignature(p.typ),
			Readable:   p.get != nil,
			Writable:   p.set != nil,
			Deprecated: p.deprecated,
		}
		if p.emits != EmitsTrue {
			d.EmitsChanged = string(p.emits)
		}
		ret.Properties = append(ret.Properties, d)
	}
	return ret
}

// Method is a method of an [Interface].
type Method struct {
	iface      *Interface
	name       string
	fn         MethodFunc
	in, out    []dbus.ArgumentDescription
	deprecated bool
	noReply    bool

	// Set by freeze.
	inSig, outSig dbus.Signature
}

func arg(name, sig string) dbus.ArgumentDescription {
	s := dbus.MustParseSignature(sig)
	if s.Len() != 1 {
		panic(fmt.Errorf("argument %s has signature %q, want a single type", name, sig))
	}
	return dbus.ArgumentDescription{Name: name, Type: s}
}

// In appends an input argument.
func (m *Method) In(name, sig string) *Method {
	m.iface.mutable()
	m.in = append(m.in, arg(name, sig))
	return m
}

// Out appends an output argument.
func (m *Method) Out(name, sig string) *Method {
	m.iface.mutable()
	m.out = append(m.out, arg(name, sig))
	return m
}

// Deprecated marks the method as deprecated.
func (m *Method) Deprecated() *Method {
	m.iface.mutable()
	m.deprecated = true
	return m
}

// NoReply annotates the method as one that callers should invoke
// without waiting for a reply.
func (m *Method) NoReply() *Method {
	m.iface.mutable()
	m.noReply = true
	return m
}

func argSignature(args []dbus.ArgumentDescription) dbus.Signature {
	ts := make([]dbus.Type, 0, len(args))
	for _, a := range args {
		ts = append(ts, a.Type.Types()...)
	}
	return dbus.NewSignature(ts...)
}

// Property is a property of an [Interface].
type Property struct {
	iface      *Interface
	name       string
	typ        dbus.Type
	get        GetFunc
	set        SetFunc
	emits      EmitsChanged
	deprecated bool
}

// Get makes the property readable with fn.
func (p *Property) Get(fn GetFunc) *Property {
	p.iface.mutable()
	p.get = fn
	return p
}

// Set makes the property writable with fn.
func (p *Property) Set(fn SetFunc) *Property {
	p.iface.mutable()
	p.set = fn
	return p
}

// EmitsChanged sets the property's change notification class. The
// default is [EmitsTrue].
func (p *Property) EmitsChanged(e EmitsChanged) *Property {
	p.iface.mutable()
	switch e {
	case EmitsTrue, EmitsInvalidates, EmitsConst, EmitsFalse:
	default:
		panic(fmt.Errorf("unknown EmitsChanged class %q", e))
	}
	p.emits = e
	return p
}

// Deprecated marks the property as deprecated.
func (p *Property) Deprecated() *Property {
	p.iface.mutable()
	p.deprecated = true
	return p
}

// Signal is a signal of an [Interface].
type Signal struct {
	iface      *Interface
	name       string
	args       []dbus.ArgumentDescription
	deprecated bool
}

// Arg appends an argument to the signal.
func (s *Signal) Arg(name, sig string) *Signal {
	s.iface.mutable()
	s.args = append(s.args, arg(name, sig))
	return s
}

// Deprecated marks the signal as deprecated.
func (s *Signal) Deprecated() *Signal {
	s.iface.mutable()
	s.deprecated = true
	return s
}
