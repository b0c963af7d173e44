package server

import (
	"context"
	"errors"
	"sync"

	"github.com/danderson/dbus/v2"
)

// Object is an object in a [Tree].
type Object struct {
	path   dbus.ObjectPath
	ifaces []*Interface
	state  any

	// mu is held while a method or property of the object runs.
	mu sync.Mutex
}

// Path returns the object's path.
func (o *Object) Path() dbus.ObjectPath { return o.path }

// State returns the state value given to [Tree.Insert].
func (o *Object) State() any { return o.state }

func (o *Object) iface(name string) *Interface {
	for _, i := range o.ifaces {
		if i.name == name {
			return i
		}
	}
	return nil
}

// Call is a method call being handled by a [Tree].
type Call struct {
	ctx    context.Context
	msg    *dbus.Message
	obj    *Object
	tree   *Tree
	method *Method

	deferred *Deferred
}

// Context returns the call's context. It carries the [dbus.Sender]
// that replies go out through.
func (c *Call) Context() context.Context { return c.ctx }

// Message returns the method call message.
func (c *Call) Message() *dbus.Message { return c.msg }

// Object returns the object being called.
func (c *Call) Object() *Object { return c.obj }

// Args returns the arguments of the call. They match the method's
// declared input signature.
func (c *Call) Args() []dbus.Value { return c.msg.Body }

// Sender returns the unique bus name of the caller.
func (c *Call) Sender() string { return c.msg.Sender }

// Emit sends the signal member of iface from the called object.
func (c *Call) Emit(iface, member string, args ...dbus.Value) error {
	s, ok := dbus.ContextSender(c.ctx)
	if !ok {
		return errors.New("no connection in call context")
	}
	_, err := s.Send(dbus.NewSignal(c.obj.path, iface, member, args...))
	return err
}

// PropertiesChanged sends a PropertiesChanged signal for the named
// properties of iface on the called object. See
// [Tree.PropertiesChanged].
func (c *Call) PropertiesChanged(iface string, names ...string) error {
	msg, err := c.tree.propertiesChanged(c.ctx, c.obj, iface, names)
	if err != nil || msg == nil {
		return err
	}
	s, ok := dbus.ContextSender(c.ctx)
	if !ok {
		return errors.New("no connection in call context")
	}
	_, err = s.Send(msg)
	return err
}

// Defer tells the tree that the method's result will be provided
// later through the returned Deferred, rather than by the method's
// return values.
//
// Defer may be called at most once per call. A second call panics.
func (c *Call) Defer() *Deferred {
	if c.deferred != nil {
		panic(errors.New("Defer called twice for the same method call"))
	}
	c.deferred = &Deferred{call: c}
	return c.deferred
}

// Deferred is the pending result of a method call. Exactly one of
// Return or Fail must be called.
type Deferred struct {
	call *Call

	mu   sync.Mutex
	done bool
}

// Return completes the call with the given reply values.
func (d *Deferred) Return(vals ...dbus.Value) {
	d.complete(d.call.tree.reply(d.call, vals, nil))
}

// Fail completes the call with an error. Errors that wrap a
// [dbus.CallError] are sent with its name, others as
// org.freedesktop.DBus.Error.Failed.
func (d *Deferred) Fail(err error) {
	if err == nil {
		err = errors.New("method failed")
	}
	d.complete(d.call.tree.reply(d.call, nil, err))
}

func (d *Deferred) complete(reply *dbus.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		panic(errors.New("deferred method result completed twice"))
	}
	d.done = true

	if reply == nil {
		return
	}
	log := d.call.tree.log
	s, ok := dbus.ContextSender(d.call.ctx)
	if !ok {
		log.Warn().Stringer("call", d.call.msg).Msg("discarding deferred reply, no connection in context")
		return
	}
	select {
	case <-s.Done():
		log.Debug().Stringer("call", d.call.msg).Msg("discarding deferred reply, connection closed")
		return
	default:
	}
	if _, err := s.Send(reply); err != nil {
		log.Warn().Err(err).Stringer("call", d.call.msg).Msg("failed to send deferred reply")
	}
}
