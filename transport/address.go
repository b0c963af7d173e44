package transport

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultSystemBusAddress is the system bus address used when
// DBUS_SYSTEM_BUS_ADDRESS is not set.
const DefaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// ErrNoAddress is returned when a bus address string contains no
// address this package can connect to.
var ErrNoAddress = errors.New("no usable dbus address")

// Address is a parsed DBus server address.
type Address struct {
	// Path is the filesystem path of the socket, or its name in the
	// abstract namespace if Abstract is set.
	Path string
	// Abstract reports whether Path is in the Linux abstract socket
	// namespace.
	Abstract bool
	// Params are the other key/value pairs of the address, such as
	// guid.
	Params map[string]string
}

// Network returns the address in the form expected by [net.Dial]'s
// "unix" network.
func (a Address) Network() string {
	if a.Abstract {
		return "@" + a.Path
	}
	return a.Path
}

func (a Address) String() string {
	var b strings.Builder
	if a.Abstract {
		b.WriteString("unix:abstract=")
	} else {
		b.WriteString("unix:path=")
	}
	b.WriteString(escapeAddressValue(a.Path))
	return b.String()
}

// ParseAddress parses a ';'-separated list of DBus server addresses.
// Only unix addresses with a path or abstract key are returned. Other
// transports are skipped.
func ParseAddress(s string) ([]Address, error) {
	var (
		ret  []Address
		errs []error
	)
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		addr, ok, err := parseOne(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			ret = append(ret, addr)
		}
	}
	if len(ret) == 0 {
		errs = append([]error{fmt.Errorf("%w in %q", ErrNoAddress, s)}, errs...)
		return nil, errors.Join(errs...)
	}
	return ret, nil
}

func parseOne(entry string) (Address, bool, error) {
	method, rest, ok := strings.Cut(entry, ":")
	if !ok {
		return Address{}, false, fmt.Errorf("malformed dbus address %q: missing transport", entry)
	}
	if method != "unix" {
		return Address{}, false, nil
	}

	var ret Address
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, false, fmt.Errorf("malformed dbus address %q: key %q has no value", entry, kv)
		}
		v, err := unescapeAddressValue(v)
		if err != nil {
			return Address{}, false, fmt.Errorf("malformed dbus address %q: %w", entry, err)
		}
		switch k {
		case "path":
			ret.Path = v
		case "abstract":
			ret.Path = v
			ret.Abstract = true
		default:
			if ret.Params == nil {
				ret.Params = map[string]string{}
			}
			ret.Params[k] = v
		}
	}
	if ret.Path == "" {
		// unix:dir=, unix:tmpdir= and unix:runtime= are listening
		// addresses, not something a client can connect to.
		return Address{}, false, nil
	}
	return ret, true, nil
}

func unescapeAddressValue(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape sequence in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape sequence %q", s[i:i+3])
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

func escapeAddressValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("-_/.\\*", c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// SessionBusAddress returns the address of the session bus, from
// DBUS_SESSION_BUS_ADDRESS.
func SessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", errors.New("DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return addr, nil
}

// SystemBusAddress returns the address of the system bus, from
// DBUS_SYSTEM_BUS_ADDRESS or the well-known default.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSystemBusAddress
}
