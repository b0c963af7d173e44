// Package server implements DBus objects.
//
// A [Tree] maps object paths to objects, each implementing one or
// more [Interface] definitions. A Tree is a [dbus.Handler]: export it
// on a connection with [dbus.Conn.Export] to serve it.
//
// Every object in a tree also implements the standard
// org.freedesktop.DBus.Introspectable and
// org.freedesktop.DBus.Properties interfaces, and the tree answers
// org.freedesktop.DBus.Peer on every path.
package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/dbus/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// An Option configures a [Tree].
type Option func(*Tree)

// WithLogger makes the tree log to l. The default is the zerolog
// global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tree) { t.log = l }
}

// WithMachineID sets the function that answers Peer.GetMachineId.
// The default is [dbus.MachineIDOrRandom].
func WithMachineID(fn func() (string, error)) Option {
	return func(t *Tree) { t.machineID = fn }
}

// Tree is a set of DBus objects.
type Tree struct {
	log       zerolog.Logger
	machineID func() (string, error)
	std       []*Interface
	peer      *Interface
	intro     *Interface
	om        *Interface

	mu      sync.Mutex
	ifaces  map[string]*Interface
	objects map[dbus.ObjectPath]*Object
}

var _ dbus.Handler = (*Tree)(nil)

// NewTree returns an empty tree.
func NewTree(opts ...Option) *Tree {
	ret := &Tree{
		log:       log.Logger.With().Str("component", "dbus-server").Logger(),
		machineID: dbus.MachineIDOrRandom,
		ifaces:    map[string]*Interface{},
		objects:   map[dbus.ObjectPath]*Object{},
	}
	for _, o := range opts {
		o(ret)
	}
	ret.std = ret.standardInterfaces()
	ret.om = ret.objectManagerInterface()
	for _, i := range append(ret.std, ret.om) {
		i.freeze()
		ret.ifaces[i.name] = i
		switch i.name {
		case dbus.InterfacePeer:
			ret.peer = i
		case dbus.InterfaceIntrospectable:
			ret.intro = i
		}
	}
	return ret
}

// Register adds iface to the interfaces that objects in the tree can
// implement. iface cannot be modified after it is registered. Every
// property of iface must have a getter, a setter or both.
func (t *Tree) Register(iface *Interface) error {
	if err := dbus.ValidInterfaceName(iface.name); err != nil {
		return err
	}
	for _, p := range iface.props {
		if p.get == nil && p.set == nil {
			return fmt.Errorf("property %s.%s is neither readable nor writable", iface.name, p.name)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ifaces[iface.name]; ok {
		return fmt.Errorf("interface %s already registered", iface.name)
	}
	iface.freeze()
	t.ifaces[iface.name] = iface
	return nil
}

// Insert adds an object at path, implementing the named interfaces,
// which must all be registered. state is made available to the
// object's methods and properties with [Object.State].
//
// The object also implements Introspectable, Peer and Properties
// without naming them. [InterfaceObjectManager] is available but must
// be named.
//
// Inserting at a path that already has an object replaces it.
func (t *Tree) Insert(path dbus.ObjectPath, ifaces []string, state any) error {
	if err := path.Valid(); err != nil {
		return err
	}
	obj := &Object{path: path, state: state}
	seen := mapset.New[string]()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range ifaces {
		iface, ok := t.ifaces[name]
		if !ok {
			return fmt.Errorf("interface %s is not registered", name)
		}
		if slices.Contains(t.std, iface) {
			// Always present.
			continue
		}
		if seen.Has(name) {
			continue
		}
		seen.Add(name)
		obj.ifaces = append(obj.ifaces, iface)
	}
	obj.ifaces = append(obj.ifaces, t.std...)
	t.objects[path] = obj
	return nil
}

// Remove removes the object at path. It reports whether there was
// one.
func (t *Tree) Remove(path dbus.ObjectPath) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects[path]
	delete(t.objects, path)
	return ok
}

// Update calls fn with the state of the object at path, excluding
// concurrent methods and property accesses on the object.
func (t *Tree) Update(path dbus.ObjectPath, fn func(state any)) error {
	obj := t.object(path)
	if obj == nil {
		return fmt.Errorf("no object at %s", path)
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	fn(obj.state)
	return nil
}

func (t *Tree) object(path dbus.ObjectPath) *Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objects[path]
}

// descendants returns the objects strictly below path, sorted by
// path.
func (t *Tree) descendants(path dbus.ObjectPath) []*Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ret []*Object
	for p, obj := range t.objects {
		if p.IsChildOf(path) {
			ret = append(ret, obj)
		}
	}
	slices.SortFunc(ret, func(a, b *Object) int { return strings.Compare(string(a.path), string(b.path)) })
	return ret
}

// managers returns the objects at or above path that implement
// ObjectManager, nearest first.
func (t *Tree) managers(path dbus.ObjectPath) []*Object {
	if path == "/" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var ret []*Object
	for p := path.Parent(); ; p = p.Parent() {
		if obj := t.objects[p]; obj != nil && obj.iface(InterfaceObjectManager) != nil {
			ret = append(ret, obj)
		}
		if p == "/" {
			break
		}
	}
	return ret
}

// children returns the sorted names of the immediate children of
// path that have objects at or below them.
func (t *Tree) children(path dbus.ObjectPath) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := mapset.New[string]()
	prefix := string(path) + "/"
	if path == "/" {
		prefix = "/"
	}
	for p := range t.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := strings.TrimPrefix(string(p), prefix)
		name, _, _ := strings.Cut(rest, "/")
		names.Add(name)
	}
	return names.Slice()
}

// Introspect returns the introspection description of the object at
// path.
func (t *Tree) Introspect(path dbus.ObjectPath) (*dbus.Node, error) {
	obj := t.object(path)
	if obj == nil {
		return nil, fmt.Errorf("no object at %s", path)
	}
	return t.describe(obj), nil
}

func (t *Tree) describe(obj *Object) *dbus.Node {
	ret := &dbus.Node{Name: string(obj.path)}
	for _, i := range obj.ifaces {
		ret.Interfaces = append(ret.Interfaces, i.describe())
	}
	ret.Children = t.children(obj.path)
	slices.Sort(ret.Children)
	return ret
}

// HandleMessage implements [dbus.Handler].
func (t *Tree) HandleMessage(ctx context.Context, msg *dbus.Message) []*dbus.Message {
	if msg.Type != dbus.MsgTypeCall {
		return nil
	}
	reply := t.handle(ctx, msg)
	if reply == nil {
		return nil
	}
	return []*dbus.Message{reply}
}

func (t *Tree) handle(ctx context.Context, msg *dbus.Message) *dbus.Message {
	var obj *Object
	if msg.Interface == dbus.InterfacePeer {
		// Peer is per connection, not per object.
		obj = &Object{path: msg.Path, ifaces: []*Interface{t.peer}}
	} else {
		obj = t.object(msg.Path)
	}
	if obj == nil && isIntrospect(msg) && len(t.children(msg.Path)) > 0 {
		// Intermediate paths are introspectable, so that clients can
		// walk down to the objects.
		obj = &Object{path: msg.Path, ifaces: []*Interface{t.intro, t.peer}}
	}
	if obj == nil {
		return errorReply(msg, dbus.ErrNameUnknownObject, fmt.Sprintf("No such object: %s", msg.Path))
	}

	m, err := resolve(obj, msg.Interface, msg.Member)
	if err != nil {
		return errorReply(msg, dbus.ErrNameUnknownMethod, err.Error())
	}
	if got := msg.Signature(); !got.Equal(m.inSig) {
		err := &dbus.MismatchError{Expected: strconv.Quote(m.inSig.String()), Found: strconv.Quote(got.String()), Offset: -1}
		return errorReply(msg, dbus.ErrNameInvalidArgs, fmt.Sprintf("Invalid arguments for %s: %v", m.name, err))
	}

	call := &Call{
		ctx:    ctx,
		msg:    msg,
		obj:    obj,
		tree:   t,
		method: m,
	}
	vals, err := func() ([]dbus.Value, error) {
		obj.mu.Lock()
		defer obj.mu.Unlock()
		return m.fn(call)
	}()
	if call.deferred != nil {
		if err != nil || vals != nil {
			t.log.Warn().Stringer("call", msg).Msg("ignoring return values of deferred method")
		}
		return nil
	}
	return t.reply(call, vals, err)
}

func isIntrospect(msg *dbus.Message) bool {
	return msg.Member == "Introspect" && (msg.Interface == "" || msg.Interface == dbus.InterfaceIntrospectable)
}

// resolve finds the method to call. An empty iface resolves to the
// only interface of obj that has the member.
func resolve(obj *Object, iface, member string) (*Method, error) {
	if iface != "" {
		i := obj.iface(iface)
		if i == nil {
			return nil, fmt.Errorf("Object %s does not implement interface %s", obj.path, iface)
		}
		m := i.method(member)
		if m == nil {
			return nil, fmt.Errorf("Interface %s has no method %s", iface, member)
		}
		return m, nil
	}

	var found []*Method
	for _, i := range obj.ifaces {
		if m := i.method(member); m != nil {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("Object %s has no method %s", obj.path, member)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("Method %s is ambiguous on object %s, specify an interface", member, obj.path)
	}
}

// reply returns the response to call for the given method results,
// or nil if the caller wants no reply.
func (t *Tree) reply(call *Call, vals []dbus.Value, err error) *dbus.Message {
	msg := call.msg
	if !msg.WantReply() {
		if err != nil {
			t.log.Debug().Err(err).Stringer("call", msg).Msg("method failed, not replying")
		}
		return nil
	}
	if err != nil {
		var ce dbus.CallError
		if errors.As(err, &ce) {
			return errorReply(msg, ce.Name, ce.Detail)
		}
		var pce *dbus.CallError
		if errors.As(err, &pce) {
			return errorReply(msg, pce.Name, pce.Detail)
		}
		return errorReply(msg, dbus.ErrNameFailed, err.Error())
	}
	if got := dbus.SignatureOf(vals...); !got.Equal(call.method.outSig) {
		t.log.Warn().Stringer("call", msg).Str("got", got.String()).Str("want", call.method.outSig.String()).Msg("method returned wrong types")
		return errorReply(msg, dbus.ErrNameFailed, fmt.Sprintf("Method %s returned %q, want %q", call.method.name, got, call.method.outSig))
	}
	return dbus.NewMethodReturn(msg, vals...)
}

func errorReply(msg *dbus.Message, name, detail string) *dbus.Message {
	if !msg.WantReply() {
		return nil
	}
	return dbus.NewError(msg, name, detail)
}

// PropertiesChanged returns the PropertiesChanged signal for the
// named properties of iface on the object at path, for the caller to
// send. Properties are reported according to their [EmitsChanged]
// class: EmitsTrue properties with their current value, and
// EmitsInvalidates properties by name only. Other properties are
// left out, and if no property remains PropertiesChanged returns nil.
//
// PropertiesChanged reads property values, and so must not be called
// from one of the object's methods. Use [Call.PropertiesChanged]
// there instead.
func (t *Tree) PropertiesChanged(ctx context.Context, path dbus.ObjectPath, iface string, names ...string) (*dbus.Message, error) {
	obj := t.object(path)
	if obj == nil {
		return nil, fmt.Errorf("no object at %s", path)
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return t.propertiesChanged(ctx, obj, iface, names)
}

func (t *Tree) propertiesChanged(ctx context.Context, obj *Object, iface string, names []string) (*dbus.Message, error) {
	i := obj.iface(iface)
	if i == nil {
		return nil, fmt.Errorf("object %s does not implement %s", obj.path, iface)
	}
	changed := dbus.Dict{KeyType: dbus.TypeString, ValueType: dbus.TypeVariant}
	invalidated := dbus.Array{Elem: dbus.TypeString}
	for _, name := range names {
		p := i.property(name)
		if p == nil {
			return nil, fmt.Errorf("interface %s has no property %s", iface, name)
		}
		switch p.emits {
		case EmitsTrue:
			if p.get == nil {
				return nil, fmt.Errorf("property %s.%s is not readable", iface, name)
			}
			v, err := p.get(ctx, obj)
			if err != nil {
				return nil, fmt.Errorf("reading property %s.%s: %w", iface, name, err)
			}
			changed.Entries = append(changed.Entries, dbus.DictEntry{Key: dbus.String(name), Value: dbus.Variant{Value: v}})
		case EmitsInvalidates:
			invalidated.Items = append(invalidated.Items, dbus.String(name))
		}
	}
	if len(changed.Entries) == 0 && len(invalidated.Items) == 0 {
		return nil, nil
	}
	return dbus.NewSignal(obj.path, dbus.InterfaceProperties, "PropertiesChanged", dbus.String(iface), changed, invalidated), nil
}

// InterfacesAdded returns the InterfacesAdded signals that announce
// the object at path to every ObjectManager above it, for the caller
// to send after [Tree.Insert].
func (t *Tree) InterfacesAdded(ctx context.Context, path dbus.ObjectPath) ([]*dbus.Message, error) {
	obj := t.object(path)
	if obj == nil {
		return nil, fmt.Errorf("no object at %s", path)
	}
	mgrs := t.managers(path)
	if len(mgrs) == 0 {
		return nil, nil
	}
	d, err := func() (dbus.Dict, error) {
		obj.mu.Lock()
		defer obj.mu.Unlock()
		return interfacesAndProperties(ctx, obj)
	}()
	if err != nil {
		return nil, err
	}
	var ret []*dbus.Message
	for _, m := range mgrs {
		ret = append(ret, dbus.NewSignal(m.path, InterfaceObjectManager, "InterfacesAdded", path, d))
	}
	return ret, nil
}

// InterfacesRemoved returns the InterfacesRemoved signals that
// announce the removal of the object at path to every ObjectManager
// above it. Call it before [Tree.Remove], and send the signals after.
func (t *Tree) InterfacesRemoved(path dbus.ObjectPath) ([]*dbus.Message, error) {
	obj := t.object(path)
	if obj == nil {
		return nil, fmt.Errorf("no object at %s", path)
	}
	names := dbus.Array{Elem: dbus.TypeString}
	for _, i := range obj.ifaces {
		names.Items = append(names.Items, dbus.String(i.name))
	}
	var ret []*dbus.Message
	for _, m := range t.managers(path) {
		ret = append(ret, dbus.NewSignal(m.path, InterfaceObjectManager, "InterfacesRemoved", path, names))
	}
	return ret, nil
}
