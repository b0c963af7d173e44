package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter over DBus message headers.
//
// A message matches if every field set on the Match equals the
// corresponding message field. The zero Match, as returned by
// [NewMatch], matches every message.
type Match struct {
	msgType       value.Maybe[MessageType]
	sender        value.Maybe[string]
	path          value.Maybe[ObjectPath]
	pathNamespace value.Maybe[ObjectPath]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	argStr        map[int]string
	argPath       map[int]ObjectPath
	arg0NS        value.Maybe[string]
}

// NewMatch returns a Match that matches all messages.
func NewMatch() *Match {
	return &Match{}
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return NewMatch().Type(MsgTypeSignal)
}

// MatchSignal returns a Match for the given signal.
func MatchSignal(iface, member string) *Match {
	return MatchAllSignals().Interface(iface).Member(member)
}

// Type restricts the match to messages of type t.
func (m *Match) Type(t MessageType) *Match {
	m.msgType = value.Just(t)
	return m
}

// Sender restricts the match to messages from a single sender.
func (m *Match) Sender(s string) *Match {
	m.sender = value.Just(s)
	return m
}

// Path restricts the match to a single object path.
func (m *Match) Path(o ObjectPath) *Match {
	m.pathNamespace = value.Absent[ObjectPath]()
	m.path = value.Just(o.Clean())
	return m
}

// PathNamespace restricts the match to objects rooted at the given
// path prefix.
//
// For example, PathNamespace("/mascots/gopher") matches messages for
// /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) PathNamespace(o ObjectPath) *Match {
	m.path = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.pathNamespace = value.Absent[ObjectPath]()
	} else {
		m.pathNamespace = value.Just(o.Clean())
	}
	return m
}

// Interface restricts the match to a single interface.
func (m *Match) Interface(iface string) *Match {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the match to a single method or signal name.
func (m *Match) Member(member string) *Match {
	m.member = value.Just(member)
	return m
}

// ArgStr restricts the match to messages whose i-th body field is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgStr index %d, must be in [0,63]", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to messages whose i-th body field
// is a string or ObjectPath with the given prefix.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgPathPrefix index %d, must be in [0,63]", i))
	}
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to messages whose first body
// field is a peer or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match in the string format that DBus wants for
// the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.msgType.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.path.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.pathNamespace.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether msg matches the filter, using the same
// match logic that the bus uses on the match's String().
//
// This is necessary because a DBus connection receives a single
// stream of messages. When multiple matches are active, the received
// signals are the union of all the matches, and so each one needs to
// do additional filtering on received messages.
func (m *Match) Matches(msg *Message) bool {
	if t, ok := m.msgType.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.path.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.pathNamespace.GetOK(); ok && msg.Path != p && !msg.Path.IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && msg.Member != mb {
		return false
	}

	for i, want := range m.argStr {
		if got, ok := bodyString(msg, i, false); !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := bodyString(msg, i, true)
		if !ok || !pathPrefixMatch(ObjectPath(got), want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		got, ok := bodyString(msg, 0, false)
		if !ok || got != n && !strings.HasPrefix(got, n+".") {
			return false
		}
	}

	return true
}

// pathPrefixMatch implements the argNpath rule: either side may be a
// /-terminated prefix of the other.
func pathPrefixMatch(got, want ObjectPath) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(string(want), "/") && strings.HasPrefix(string(got), string(want)) {
		return true
	}
	if strings.HasSuffix(string(got), "/") && strings.HasPrefix(string(want), string(got)) {
		return true
	}
	return got.IsChildOf(want)
}

func bodyString(msg *Message, i int, pathOK bool) (string, bool) {
	if i >= len(msg.Body) {
		return "", false
	}
	switch v := msg.Body[i].(type) {
	case String:
		return string(v), true
	case ObjectPath:
		if pathOK {
			return string(v), true
		}
	}
	return "", false
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
