package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danderson/dbus/v2"
	"github.com/google/go-cmp/cmp"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		in      string
		want    dbus.Value
		wantErr bool
	}{
		{"hello", dbus.String("hello"), false},
		{"s:i:42", dbus.String("i:42"), false},
		{"/not/typed", dbus.String("/not/typed"), false},
		{"y:255", dbus.Byte(255), false},
		{"y:256", nil, true},
		{"b:true", dbus.Bool(true), false},
		{"n:-3", dbus.Int16(-3), false},
		{"q:0x10", dbus.Uint16(16), false},
		{"i:42", dbus.Int32(42), false},
		{"i:forty", nil, true},
		{"u:7", dbus.Uint32(7), false},
		{"x:-9000000000", dbus.Int64(-9000000000), false},
		{"t:9000000000", dbus.Uint64(9000000000), false},
		{"d:1.5", dbus.Double(1.5), false},
		{"o:/org/example", dbus.ObjectPath("/org/example"), false},
		{"o:org/example", nil, true},
		{"a:1", nil, true},
	}
	for _, tc := range tests {
		got, err := parseArg(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseArg(%q) err = %v, want error %v", tc.in, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("parseArg(%q) wrong value (-got+want):\n%s", tc.in, diff)
		}
	}

	got, err := parseArg("g:a{sv}")
	if err != nil {
		t.Fatalf("parseArg(signature) failed: %v", err)
	}
	if sig, ok := got.(dbus.Signature); !ok || !sig.Equal(dbus.MustParseSignature("a{sv}")) {
		t.Errorf("parseArg(signature) = %v, want a{sv}", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		body    string
		want    config
		wantErr bool
	}{
		{"empty", "", config{Timeout: 10 * time.Second}, false},
		{
			"full",
			`bus = "session"
address = " unix:path=/tmp/bus "
timeout = "3s"
names = ["org.example.A", " ", "org.example.B "]
`,
			config{
				Session: true,
				Address: "unix:path=/tmp/bus",
				Timeout: 3 * time.Second,
				Names:   []string{"org.example.A", "org.example.B"},
			},
			false,
		},
		{"system", `bus = "system"`, config{Timeout: 10 * time.Second}, false},
		{"bad bus", `bus = "other"`, config{}, true},
		{"bad timeout", `timeout = "soon"`, config{}, true},
		{"unknown key", `colour = "blue"`, config{}, true},
		{"bad toml", `bus = `, config{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := loadConfig(write(tc.name+".toml", tc.body))
			if (err != nil) != tc.wantErr {
				t.Fatalf("loadConfig err = %v, want error %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("loadConfig wrong result (-got+want):\n%s", diff)
			}
		})
	}
}

func TestIndenter(t *testing.T) {
	var buf bytes.Buffer
	out := &indenter{out: &buf, indentNext: true}
	out.s("top")
	out.indent(1)
	out.f("a %d", 1)
	out.v("multi\nline")
	out.indent(2)
	out.s("deep")
	want := "top\n  a 1\n  multi\n  line\n    deep\n"
	if diff := cmp.Diff(buf.String(), want); diff != "" {
		t.Errorf("wrong indented output (-got+want):\n%s", diff)
	}
}

type recordSender struct {
	mu   sync.Mutex
	sent []*dbus.Message
}

func (r *recordSender) Send(msg *dbus.Message) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return uint32(len(r.sent)), nil
}

func (r *recordSender) Done() <-chan struct{} { return nil }

func TestDemoTree(t *testing.T) {
	tree, err := demoTree()
	if err != nil {
		t.Fatal(err)
	}
	s := &recordSender{}
	ctx := dbus.WithSender(context.Background(), s)

	call := func(member string, body ...dbus.Value) *dbus.Message {
		t.Helper()
		msg := dbus.NewMethodCall("", demoPath, demoInterface, member, body...)
		msg.Serial = 1
		msg.Sender = ":1.7"
		out := tree.HandleMessage(ctx, msg)
		if len(out) != 1 {
			t.Fatalf("%s returned %d messages, want 1", member, len(out))
		}
		return out[0]
	}

	if diff := cmp.Diff(call("Greet", dbus.String("world")).Body, []dbus.Value{dbus.String("Hello, world")}); diff != "" {
		t.Errorf("Greet wrong reply (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(call("Echo", dbus.String("x")).Body, []dbus.Value{dbus.String("x")}); diff != "" {
		t.Errorf("Echo wrong reply (-got+want):\n%s", diff)
	}
	for i := range uint32(10) {
		if diff := cmp.Diff(call("Increment").Body, []dbus.Value{dbus.Uint32(i + 1)}); diff != "" {
			t.Errorf("Increment wrong reply (-got+want):\n%s", diff)
		}
	}

	var changed, milestones int
	for _, m := range s.sent {
		switch m.Member {
		case "PropertiesChanged":
			changed++
		case "Milestone":
			milestones++
		}
	}
	if changed != 10 || milestones != 1 {
		t.Errorf("got %d PropertiesChanged and %d Milestone signals, want 10 and 1", changed, milestones)
	}

	n, err := tree.Introspect("/")
	if err != nil {
		t.Fatal(err)
	}
	if n.Interface("org.freedesktop.DBus.ObjectManager") == nil {
		t.Errorf("root object is missing ObjectManager: %v", n.Interfaces)
	}
	if diff := cmp.Diff(n.Children, []string{"com"}); diff != "" {
		t.Errorf("wrong root children (-got+want):\n%s", diff)
	}
}
