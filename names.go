package dbus

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLen = 255

func isNameChar(c byte, digitOK, dashOK bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return digitOK
	case c == '-':
		return dashOK
	}
	return false
}

// dottedName validates a name made of two or more dot-separated
// elements.
func dottedName(what, s string, digitStartOK, dashOK bool) error {
	if s == "" {
		return fmt.Errorf("empty %s", what)
	}
	if len(s) > maxNameLen {
		return fmt.Errorf("%s %q is longer than %d bytes", what, s, maxNameLen)
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return fmt.Errorf("%s %q must have at least two elements", what, s)
	}
	for _, e := range elems {
		if e == "" {
			return fmt.Errorf("%s %q has an empty element", what, s)
		}
		for i := 0; i < len(e); i++ {
			if !isNameChar(e[i], i > 0 || digitStartOK, dashOK) {
				return fmt.Errorf("%s %q contains invalid character %q", what, s, e[i])
			}
		}
	}
	return nil
}

// ValidInterfaceName returns an error if s is not a valid interface
// name.
func ValidInterfaceName(s string) error {
	return dottedName("interface name", s, false, false)
}

// ValidErrorName returns an error if s is not a valid error name.
func ValidErrorName(s string) error {
	return dottedName("error name", s, false, false)
}

// ValidBusName returns an error if s is not a valid unique or
// well-known bus name.
func ValidBusName(s string) error {
	if strings.HasPrefix(s, ":") {
		return dottedName("unique bus name", s[1:], true, true)
	}
	return dottedName("bus name", s, false, true)
}

// ValidMemberName returns an error if s is not a valid method or
// signal name.
func ValidMemberName(s string) error {
	if s == "" {
		return errors.New("empty member name")
	}
	if len(s) > maxNameLen {
		return fmt.Errorf("member name %q is longer than %d bytes", s, maxNameLen)
	}
	for i := 0; i < len(s); i++ {
		if !isNameChar(s[i], i > 0, false) {
			return fmt.Errorf("member name %q contains invalid character %q", s, s[i])
		}
	}
	return nil
}

// Standard interfaces.
const (
	InterfaceBus            = "org.freedesktop.DBus"
	InterfacePeer           = "org.freedesktop.DBus.Peer"
	InterfaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	InterfaceProperties     = "org.freedesktop.DBus.Properties"
)
