package dbus

import (
	"context"
	"fmt"
)

// Object is an object exported by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s%s", o.p, o.path)
}

// Interface returns a handle for the named interface of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// IntrospectXML returns the object's raw introspection document.
func (o Object) IntrospectXML(ctx context.Context) (string, error) {
	return Call[string](ctx, o.Interface(InterfaceIntrospectable), "Introspect")
}

// Introspect returns the object's parsed introspection data.
func (o Object) Introspect(ctx context.Context) (*Node, error) {
	doc, err := o.IntrospectXML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection([]byte(doc))
}

// Children returns handles for the object's immediate children, as
// reported by introspection.
func (o Object) Children(ctx context.Context) ([]Object, error) {
	n, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]Object, 0, len(n.Children))
	for _, child := range n.Children {
		ret = append(ret, o.p.Object(o.path.Child(child)))
	}
	return ret, nil
}
