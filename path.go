package dbus

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ObjectPath is a DBus object path.
type ObjectPath string

func (ObjectPath) Type() Type { return TypeObjectPath }

// Valid returns an error describing why p is not a valid object
// path, or nil if it is.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not begin with /", s)
	}
	if s == "/" {
		return nil
	}
	if s[len(s)-1] == '/' {
		return fmt.Errorf("object path %q has a trailing /", s)
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return fmt.Errorf("object path %q has an empty segment", s)
		}
		for i := 0; i < len(seg); i++ {
			if !isPathChar(seg[i]) {
				return fmt.Errorf("object path %q contains invalid character %q", s, seg[i])
			}
		}
	}
	return nil
}

func isPathChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// IsValid reports whether p is a valid object path.
func (p ObjectPath) IsValid() bool {
	return p.Valid() == nil
}

// Clean returns the shortest path equivalent to p, rooted at /.
func (p ObjectPath) Clean() ObjectPath {
	return ObjectPath(path.Clean("/" + string(p)))
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if p == parent {
		return false
	}
	if parent == "/" {
		return strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Parent returns the parent of p. The parent of / is /.
func (p ObjectPath) Parent() ObjectPath {
	return ObjectPath(path.Dir(string(p)))
}

// Child returns the child of p with the given segment name.
func (p ObjectPath) Child(name string) ObjectPath {
	return ObjectPath(path.Join(string(p), name))
}

// Name returns the last segment of p. The root path has an empty
// name.
func (p ObjectPath) Name() string {
	if p == "/" {
		return ""
	}
	return path.Base(string(p))
}

func (p ObjectPath) String() string {
	return string(p)
}
