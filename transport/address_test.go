package transport_test

import (
	"errors"
	"testing"

	"github.com/danderson/dbus/v2/transport"
	"github.com/google/go-cmp/cmp"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want []transport.Address
	}{
		{
			"unix:path=/run/user/1000/bus",
			[]transport.Address{{Path: "/run/user/1000/bus"}},
		},
		{
			"unix:abstract=/tmp/dbus-XXXX,guid=0123",
			[]transport.Address{{Path: "/tmp/dbus-XXXX", Abstract: true, Params: map[string]string{"guid": "0123"}}},
		},
		{
			"tcp:host=localhost,port=1234;unix:path=/tmp/with%20space",
			[]transport.Address{{Path: "/tmp/with space"}},
		},
		{
			"unix:path=/a;unix:path=/b;",
			[]transport.Address{{Path: "/a"}, {Path: "/b"}},
		},
	}

	for _, tc := range tests {
		got, err := transport.ParseAddress(tc.in)
		if err != nil {
			t.Errorf("ParseAddress(%q) got err: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
	}
}

func TestParseAddressErrors(t *testing.T) {
	tests := []string{
		"",
		"tcp:host=localhost",
		"unix:tmpdir=/tmp",
		"nocolon",
		"unix:path=/bad%2",
		"unix:path=/bad%zz",
	}
	for _, in := range tests {
		got, err := transport.ParseAddress(in)
		if err == nil {
			t.Errorf("ParseAddress(%q) = %v, want error", in, got)
			continue
		}
		if !errors.Is(err, transport.ErrNoAddress) {
			t.Errorf("ParseAddress(%q) err=%v, want ErrNoAddress", in, err)
		}
	}
}

func TestAddressString(t *testing.T) {
	a := transport.Address{Path: "/tmp/with space"}
	if got, want := a.String(), "unix:path=/tmp/with%20space"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	b := transport.Address{Path: "foo", Abstract: true}
	if got, want := b.Network(), "@foo"; got != want {
		t.Errorf("Network() = %q, want %q", got, want)
	}
}

func TestBusAddresses(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	if got := transport.SystemBusAddress(); got != transport.DefaultSystemBusAddress {
		t.Errorf("SystemBusAddress() = %q, want default", got)
	}
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path=/custom")
	if got, want := transport.SystemBusAddress(), "unix:path=/custom"; got != want {
		t.Errorf("SystemBusAddress() = %q, want %q", got, want)
	}

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	if _, err := transport.SessionBusAddress(); err == nil {
		t.Error("SessionBusAddress() with unset env succeeded")
	}
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/session")
	if got, err := transport.SessionBusAddress(); err != nil || got != "unix:path=/session" {
		t.Errorf("SessionBusAddress() = %q, %v", got, err)
	}
}
