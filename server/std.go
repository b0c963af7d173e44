package server

import (
	"context"
	"fmt"

	"github.com/danderson/dbus/v2"
)

// InterfaceObjectManager is the name of the standard ObjectManager
// interface. Unlike the other standard interfaces, objects only
// implement it if it is named in [Tree.Insert].
const InterfaceObjectManager = "org.freedesktop.DBus.ObjectManager"

func callErr(name, format string, args ...any) error {
	return dbus.CallError{Name: name, Detail: fmt.Sprintf(format, args...)}
}

// standardInterfaces returns the interfaces that every object in t
// implements, in introspection order.
func (t *Tree) standardInterfaces() []*Interface {
	intro := NewInterface(dbus.InterfaceIntrospectable)
	intro.Method("Introspect", t.introspect).Out("xml_data", "s")

	peer := NewInterface(dbus.InterfacePeer)
	peer.Method("Ping", func(*Call) ([]dbus.Value, error) { return nil, nil })
	peer.Method("GetMachineId", t.getMachineID).Out("machine_uuid", "s")

	props := NewInterface(dbus.InterfaceProperties)
	props.Method("Get", t.getProperty).
		In("interface_name", "s").
		In("property_name", "s").
		Out("value", "v")
	props.Method("GetAll", t.getAllProperties).
		In("interface_name", "s").
		Out("properties", "a{sv}")
	props.Method("Set", t.setProperty).
		In("interface_name", "s").
		In("property_name", "s").
		In("value", "v")
	props.Signal("PropertiesChanged").
		Arg("interface_name", "s").
		Arg("changed_properties", "a{sv}").
		Arg("invalidated_properties", "as")

	return []*Interface{intro, peer, props}
}

func (t *Tree) objectManagerInterface() *Interface {
	om := NewInterface(InterfaceObjectManager)
	om.Method("GetManagedObjects", t.getManagedObjects).
		Out("objpath_interfaces_and_properties", "a{oa{sa{sv}}}")
	om.Signal("InterfacesAdded").
		Arg("object_path", "o").
		Arg("interfaces_and_properties", "a{sa{sv}}")
	om.Signal("InterfacesRemoved").
		Arg("object_path", "o").
		Arg("interfaces", "as")
	return om
}

func (t *Tree) introspect(call *Call) ([]dbus.Value, error) {
	n := t.describe(call.obj)
	return []dbus.Value{dbus.String(n.XML())}, nil
}

func (t *Tree) getMachineID(*Call) ([]dbus.Value, error) {
	id, err := t.machineID()
	if err != nil {
		return nil, fmt.Errorf("getting machine ID: %w", err)
	}
	return []dbus.Value{dbus.String(id)}, nil
}

// propertyArgs returns the interface and property named by the first
// two arguments of call.
func propertyArgs(call *Call, wantProp bool) (*Interface, *Property, error) {
	args := call.Args()
	name := string(args[0].(dbus.String))
	iface := call.obj.iface(name)
	if iface == nil {
		return nil, nil, callErr(dbus.ErrNameUnknownInterface, "Object %s does not implement interface %s", call.obj.path, name)
	}
	if !wantProp {
		return iface, nil, nil
	}
	prop := string(args[1].(dbus.String))
	p := iface.property(prop)
	if p == nil {
		return nil, nil, callErr(dbus.ErrNameUnknownProperty, "Interface %s has no property %s", name, prop)
	}
	return iface, p, nil
}

func (t *Tree) getProperty(call *Call) ([]dbus.Value, error) {
	_, p, err := propertyArgs(call, true)
	if err != nil {
		return nil, err
	}
	v, err := p.read(call.ctx, call.obj)
	if err != nil {
		return nil, err
	}
	return []dbus.Value{dbus.Variant{Value: v}}, nil
}

func (t *Tree) getAllProperties(call *Call) ([]dbus.Value, error) {
	iface, _, err := propertyArgs(call, false)
	if err != nil {
		return nil, err
	}
	ret, err := readAll(call.ctx, call.obj, iface)
	if err != nil {
		return nil, err
	}
	return []dbus.Value{ret}, nil
}

func (t *Tree) setProperty(call *Call) ([]dbus.Value, error) {
	_, p, err := propertyArgs(call, true)
	if err != nil {
		return nil, err
	}
	if p.set == nil {
		return nil, callErr(dbus.ErrNamePropertyReadOnly, "Property %s.%s is not writable", p.iface.name, p.name)
	}
	v := call.Args()[2].(dbus.Variant).Value
	if got := v.Type(); !got.Equal(p.typ) {
		return nil, callErr(dbus.ErrNameInvalidArgs, "Property %s.%s has type %s, got %s", p.iface.name, p.name, p.typ, got)
	}
	if err := p.set(call.ctx, call.obj, v); err != nil {
		return nil, err
	}
	return nil, nil
}

// read returns the value of p, checking that p is readable and that
// its getter returns the declared type.
func (p *Property) read(ctx context.Context, obj *Object) (dbus.Value, error) {
	if p.get == nil {
		return nil, callErr(dbus.ErrNameAccessDenied, "Property %s.%s is not readable", p.iface.name, p.name)
	}
	v, err := p.get(ctx, obj)
	if err != nil {
		return nil, err
	}
	if v == nil || !v.Type().Equal(p.typ) {
		return nil, fmt.Errorf("property %s.%s getter returned %s, want %s", p.iface.name, p.name, typeName(v), p.typ)
	}
	return v, nil
}

func typeName(v dbus.Value) string {
	if v == nil {
		return "nil"
	}
	return v.Type().String()
}

// readAll returns the values of all readable properties of iface, as
// an a{sv} dict. It fails if any getter fails.
func readAll(ctx context.Context, obj *Object, iface *Interface) (dbus.Dict, error) {
	ret := dbus.Dict{KeyType: dbus.TypeString, ValueType: dbus.TypeVariant}
	for _, p := range iface.props {
		if p.get == nil {
			continue
		}
		v, err := p.read(ctx, obj)
		if err != nil {
			return dbus.Dict{}, err
		}
		ret.Entries = append(ret.Entries, dbus.DictEntry{Key: dbus.String(p.name), Value: dbus.Variant{Value: v}})
	}
	return ret, nil
}

// interfacesAndProperties returns the a{sa{sv}} description of obj's
// interfaces and properties used by ObjectManager. The caller must
// hold obj.mu.
func interfacesAndProperties(ctx context.Context, obj *Object) (dbus.Dict, error) {
	ret := dbus.Dict{KeyType: dbus.TypeString, ValueType: dbus.DictOf(dbus.TypeString, dbus.TypeVariant)}
	for _, iface := range obj.ifaces {
		props, err := readAll(ctx, obj, iface)
		if err != nil {
			return dbus.Dict{}, err
		}
		ret.Entries = append(ret.Entries, dbus.DictEntry{Key: dbus.String(iface.name), Value: props})
	}
	return ret, nil
}

func (t *Tree) getManagedObjects(call *Call) ([]dbus.Value, error) {
	ret := dbus.Dict{
		KeyType:   dbus.TypeObjectPath,
		ValueType: dbus.DictOf(dbus.TypeString, dbus.DictOf(dbus.TypeString, dbus.TypeVariant)),
	}
	for _, obj := range t.descendants(call.obj.path) {
		d, err := func() (dbus.Dict, error) {
			obj.mu.Lock()
			defer obj.mu.Unlock()
			return interfacesAndProperties(call.ctx, obj)
		}()
		if err != nil {
			return nil, fmt.Errorf("reading properties of %s: %w", obj.path, err)
		}
		ret.Entries = append(ret.Entries, dbus.DictEntry{Key: obj.path, Value: d})
	}
	return []dbus.Value{ret}, nil
}
