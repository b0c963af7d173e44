package dbus

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Annotation names understood by the introspection model.
const (
	AnnotationDeprecated   = "org.freedesktop.DBus.Deprecated"
	AnnotationNoReply      = "org.freedesktop.DBus.Method.NoReply"
	AnnotationEmitsChanged = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

const introspectHeader = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// Node is the introspection description of an object: its exported
// interfaces and child objects.
//
// Descriptions received from a peer may not accurately reflect the
// actual exposed API or object structure.
type Node struct {
	// Name is the object path the description is for. It may be
	// empty in received descriptions.
	Name string
	// Interfaces are the object's interfaces, in the order the peer
	// listed them.
	Interfaces []*InterfaceDescription
	// Children are the relative paths of child objects.
	Children []string
}

// ParseIntrospection parses an introspection XML document.
func ParseIntrospection(doc []byte) (*Node, error) {
	var ret Node
	if err := xml.Unmarshal(doc, &ret); err != nil {
		return nil, fmt.Errorf("parsing introspection data: %w", err)
	}
	return &ret, nil
}

// Interface returns the named interface description, or nil.
func (n *Node) Interface(name string) *InterfaceDescription {
	for _, iface := range n.Interfaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlArg struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr"`
}

func (n *Node) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name       string                  `xml:"name,attr"`
		Interfaces []*InterfaceDescription `xml:"interface"`
		Children   []struct {
			Name string `xml:"name,attr"`
		} `xml:"node"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	n.Name = raw.Name
	n.Interfaces = raw.Interfaces
	n.Children = nil
	for _, c := range raw.Children {
		n.Children = append(n.Children, c.Name)
	}
	return nil
}

// XML renders n as an introspection document.
func (n *Node) XML() string {
	var b xmlBuilder
	b.WriteString(introspectHeader)
	if n.Name != "" {
		b.open(0, "node", "name", n.Name)
	} else {
		b.WriteString("<node>\n")
	}
	for _, iface := range n.Interfaces {
		iface.writeXML(&b)
	}
	for _, c := range n.Children {
		b.leaf(1, "node", "name", c)
	}
	b.WriteString("</node>")
	return b.String()
}

// xmlBuilder writes the fixed introspection layout. encoding/xml
// cannot produce self-closing elements, so the document is assembled
// by hand.
type xmlBuilder struct {
	bytes.Buffer
}

func (b *xmlBuilder) tag(depth int, name string, attrs []string, selfClose bool) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteByte('<')
	b.WriteString(name)
	for i := 0; i+1 < len(attrs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(attrs[i])
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(attrs[i+1]))
		b.WriteByte('"')
	}
	if selfClose {
		b.WriteString("/>\n")
	} else {
		b.WriteString(">\n")
	}
}

func (b *xmlBuilder) open(depth int, name string, attrs ...string) {
	b.tag(depth, name, attrs, false)
}

func (b *xmlBuilder) leaf(depth int, name string, attrs ...string) {
	b.tag(depth, name, attrs, true)
}

func (b *xmlBuilder) close(depth int, name string) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">\n")
}

func (b *xmlBuilder) annotation(depth int, name, value string) {
	b.leaf(depth, "annotation", "name", name, "value", value)
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
	// Deprecated, if true, indicates that the interface should be
	// avoided in new code.
	Deprecated bool
}

func (d *InterfaceDescription) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name       string                 `xml:"name,attr"`
		Methods    []*MethodDescription   `xml:"method"`
		Signals    []*SignalDescription   `xml:"signal"`
		Properties []*PropertyDescription `xml:"property"`
		Meta       []xmlAnnotation        `xml:"annotation"`
	}
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return err
	}
	*d = InterfaceDescription{
		Name:       raw.Name,
		Methods:    raw.Methods,
		Signals:    raw.Signals,
		Properties: raw.Properties,
	}
	for _, a := range raw.Meta {
		if a.Name == AnnotationDeprecated {
			d.Deprecated = a.Value == "true"
		}
	}
	return nil
}

func (d *InterfaceDescription) writeXML(b *xmlBuilder) {
	b.open(1, "interface", "name", d.Name)
	for _, m := range d.Methods {
		m.writeXML(b)
	}
	for _, s := range d.Signals {
		s.writeXML(b)
	}
	for _, p := range d.Properties {
		p.writeXML(b)
	}
	if d.Deprecated {
		b.annotation(2, AnnotationDeprecated, "true")
	}
	b.close(1, "interface")
}

// Method returns the named method description, or nil.
func (d *InterfaceDescription) Method(name string) *MethodDescription {
	for _, m := range d.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Property returns the named property description, or nil.
func (d *InterfaceDescription) Property(name string) *PropertyDescription {
	for _, p := range d.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)
	for _, m := range d.Methods {
		fmt.Fprintf(&ret, "  %s\n", m)
	}
	for _, s := range d.Signals {
		fmt.Fprintf(&ret, "  %s\n", s)
	}
	for _, p := range d.Properties {
		fmt.Fprintf(&ret, "  %s\n", p)
	}
	ret.WriteString("}")
	return ret.String()
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// If true, NoReply indicates that the caller is expected to use
	// Interface.OneWay to invoke this method, not Interface.Call.
	NoReply bool
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "func %s(%s)", m.Name, joinArgs(m.In))
	if len(m.Out) > 0 {
		fmt.Fprintf(&ret, " (%s)", joinArgs(m.Out))
	}
	var tags []string
	if m.Deprecated {
		tags = append(tags, "deprecated")
	}
	if m.NoReply {
		tags = append(tags, "noreply")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&ret, " [%s]", strings.Join(tags, ","))
	}
	return ret.String()
}

func (m *MethodDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name string          `xml:"name,attr"`
		Args []xmlArg        `xml:"arg"`
		Meta []xmlAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	*m = MethodDescription{Name: raw.Name}
	for _, arg := range raw.Args {
		ad, err := parseArg(arg)
		if err != nil {
			return fmt.Errorf("method %s: %w", raw.Name, err)
		}
		// Direction defaults to "in" for methods.
		if arg.Direction == "out" {
			m.Out = append(m.Out, ad)
		} else {
			m.In = append(m.In, ad)
		}
	}
	for _, a := range raw.Meta {
		switch a.Name {
		case AnnotationDeprecated:
			m.Deprecated = a.Value == "true"
		case AnnotationNoReply:
			m.NoReply = a.Value == "true"
		}
	}
	return nil
}

func (m *MethodDescription) writeXML(b *xmlBuilder) {
	if len(m.In) == 0 && len(m.Out) == 0 && !m.Deprecated && !m.NoReply {
		b.leaf(2, "method", "name", m.Name)
		return
	}
	b.open(2, "method", "name", m.Name)
	for _, a := range m.In {
		a.writeXML(b, "in")
	}
	for _, a := range m.Out {
		a.writeXML(b, "out")
	}
	if m.Deprecated {
		b.annotation(3, AnnotationDeprecated, "true")
	}
	if m.NoReply {
		b.annotation(3, AnnotationNoReply, "true")
	}
	b.close(2, "method")
}

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Name string
	Args []ArgumentDescription
	// Deprecated, if true, indicates that the signal should be
	// avoided in new code.
	Deprecated bool
}

func (s SignalDescription) String() string {
	ret := fmt.Sprintf("signal %s(%s)", s.Name, joinArgs(s.Args))
	if s.Deprecated {
		ret += " [deprecated]"
	}
	return ret
}

func (s *SignalDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name string          `xml:"name,attr"`
		Args []xmlArg        `xml:"arg"`
		Meta []xmlAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	*s = SignalDescription{Name: raw.Name}
	for _, arg := range raw.Args {
		ad, err := parseArg(arg)
		if err != nil {
			return fmt.Errorf("signal %s: %w", raw.Name, err)
		}
		s.Args = append(s.Args, ad)
	}
	for _, a := range raw.Meta {
		if a.Name == AnnotationDeprecated {
			s.Deprecated = a.Value == "true"
		}
	}
	return nil
}

func (s *SignalDescription) writeXML(b *xmlBuilder) {
	if len(s.Args) == 0 && !s.Deprecated {
		b.leaf(2, "signal", "name", s.Name)
		return
	}
	b.open(2, "signal", "name", s.Name)
	for _, a := range s.Args {
		a.writeXML(b, "")
	}
	if s.Deprecated {
		b.annotation(3, AnnotationDeprecated, "true")
	}
	b.close(2, "signal")
}

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Name string
	Type Signature

	// Readable is whether the property value can be read using
	// Interface.GetProperty.
	Readable bool
	// Writable is whether the property value can be set using
	// Interface.SetProperty
	Writable bool

	// EmitsChanged is the property's change notification class:
	// "true", "invalidates", "const" or "false". The empty string
	// means "true".
	EmitsChanged string

	// Deprecated, if true, indicates that the property should be
	// avoided in new code.
	Deprecated bool
}

// Access returns the property's access mode as spelled in
// introspection data.
func (p PropertyDescription) Access() string {
	switch {
	case p.Readable && p.Writable:
		return "readwrite"
	case p.Writable:
		return "write"
	default:
		return "read"
	}
}

// Constant reports whether the property's value never changes, and
// can safely be cached.
func (p PropertyDescription) Constant() bool { return p.EmitsChanged == "const" }

func (p PropertyDescription) String() string {
	tags := []string{p.Access()}
	if p.EmitsChanged != "" && p.EmitsChanged != "true" {
		tags = append(tags, "emits="+p.EmitsChanged)
	}
	if p.Deprecated {
		tags = append(tags, "deprecated")
	}
	return fmt.Sprintf("property %s %s [%s]", p.Name, p.Type, strings.Join(tags, ","))
}

func (p *PropertyDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name   string          `xml:"name,attr"`
		Type   string          `xml:"type,attr"`
		Access string          `xml:"access,attr"`
		Meta   []xmlAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	sig, err := ParseSignature(raw.Type)
	if err != nil {
		return fmt.Errorf("invalid signature %q for property %s: %w", raw.Type, raw.Name, err)
	}
	*p = PropertyDescription{Name: raw.Name, Type: sig}
	switch raw.Access {
	case "read":
		p.Readable = true
	case "write":
		p.Writable = true
	case "readwrite":
		p.Readable, p.Writable = true, true
	default:
		return fmt.Errorf("unknown property access value %q", raw.Access)
	}
	for _, a := range raw.Meta {
		switch a.Name {
		case AnnotationDeprecated:
			p.Deprecated = a.Value == "true"
		case AnnotationEmitsChanged:
			p.EmitsChanged = a.Value
		}
	}
	return nil
}

func (p *PropertyDescription) writeXML(b *xmlBuilder) {
	attrs := []string{"name", p.Name, "type", p.Type.String(), "access", p.Access()}
	emits := p.EmitsChanged != "" && p.EmitsChanged != "true"
	if !emits && !p.Deprecated {
		b.leaf(2, "property", attrs...)
		return
	}
	b.open(2, "property", attrs...)
	if emits {
		b.annotation(3, AnnotationEmitsChanged, p.EmitsChanged)
	}
	if p.Deprecated {
		b.annotation(3, AnnotationDeprecated, "true")
	}
	b.close(2, "property")
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type Signature
}

func parseArg(arg xmlArg) (ArgumentDescription, error) {
	sig, err := ParseSignature(arg.Type)
	if err != nil {
		return ArgumentDescription{}, fmt.Errorf("invalid signature %q for arg %s: %w", arg.Type, arg.Name, err)
	}
	if sig.Len() != 1 {
		return ArgumentDescription{}, fmt.Errorf("arg %s has %d types %q, want exactly one", arg.Name, sig.Len(), arg.Type)
	}
	return ArgumentDescription{Name: arg.Name, Type: sig}, nil
}

func (a ArgumentDescription) writeXML(b *xmlBuilder, direction string) {
	attrs := []string{"type", a.Type.String()}
	if a.Name != "" {
		attrs = append([]string{"name", a.Name}, attrs...)
	}
	if direction != "" {
		attrs = append(attrs, "direction", direction)
	}
	b.leaf(3, "arg", attrs...)
}

func (a ArgumentDescription) String() string {
	if a.Name != "" {
		return a.Name + " " + a.Type.String()
	}
	return a.Type.String()
}

func joinArgs(args []ArgumentDescription) string {
	parts := make([]string, len(args))
	for i, a := range args {
		// Older interfaces use dashed arg names, which read oddly
		// next to Go-style code.
		parts[i] = strings.ReplaceAll(a.String(), "-", "_")
	}
	return strings.Join(parts, ", ")
}
