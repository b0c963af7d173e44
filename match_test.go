package dbus

import "testing"

func TestMatch(t *testing.T) {
	type msgMatch struct {
		msg  *Message
		want bool
	}
	type testCase struct {
		name   string
		m      *Match
		filter string
		checks []msgMatch
	}

	sig := func(want bool, sender, path, iface, member string, body ...Value) msgMatch {
		msg := NewSignal(ObjectPath(path), iface, member, body...)
		msg.Sender = sender
		return msgMatch{msg, want}
	}
	call := func(want bool, path, iface, member string) msgMatch {
		return msgMatch{NewMethodCall("", ObjectPath(path), iface, member), want}
	}

	tests := []testCase{
		{
			name:   "all",
			m:      NewMatch(),
			filter: "",
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig"),
				call(true, "/foo", "org.test", "Meth"),
			},
		},
		{
			name:   "all signals",
			m:      MatchAllSignals(),
			filter: "type='signal'",
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig"),
				call(false, "/", "org.test", "Sig"),
			},
		},
		{
			name:   "signal",
			m:      MatchSignal("org.test", "Sig"),
			filter: "type='signal',interface='org.test',member='Sig'",
			checks: []msgMatch{
				sig(true, ":1.1", "/foo", "org.test", "Sig"),
				sig(false, ":1.1", "/foo", "org.test", "Other"),
				sig(false, ":1.1", "/foo", "org.other", "Sig"),
			},
		},
		{
			name:   "sender",
			m:      MatchAllSignals().Sender(":1.2"),
			filter: "type='signal',sender=':1.2'",
			checks: []msgMatch{
				sig(true, ":1.2", "/", "org.test", "Sig"),
				sig(false, ":1.3", "/", "org.test", "Sig"),
			},
		},
		{
			name:   "path",
			m:      NewMatch().Path("/foo/bar/"),
			filter: "path='/foo/bar'",
			checks: []msgMatch{
				sig(true, ":1.1", "/foo/bar", "org.test", "Sig"),
				sig(false, ":1.1", "/foo/bar/baz", "org.test", "Sig"),
				sig(false, ":1.1", "/foo", "org.test", "Sig"),
			},
		},
		{
			name:   "path namespace",
			m:      NewMatch().PathNamespace("/foo"),
			filter: "path_namespace='/foo'",
			checks: []msgMatch{
				sig(true, ":1.1", "/foo", "org.test", "Sig"),
				sig(true, ":1.1", "/foo/bar/baz", "org.test", "Sig"),
				sig(false, ":1.1", "/foobar", "org.test", "Sig"),
				sig(false, ":1.1", "/", "org.test", "Sig"),
			},
		},
		{
			name:   "root path namespace",
			m:      NewMatch().PathNamespace("/"),
			filter: "",
			checks: []msgMatch{
				sig(true, ":1.1", "/anything", "org.test", "Sig"),
			},
		},
		{
			name:   "path overrides namespace",
			m:      NewMatch().PathNamespace("/foo").Path("/bar"),
			filter: "path='/bar'",
			checks: []msgMatch{
				sig(true, ":1.1", "/bar", "org.test", "Sig"),
				sig(false, ":1.1", "/foo", "org.test", "Sig"),
			},
		},
		{
			name:   "arg strings",
			m:      MatchAllSignals().ArgStr(2, "c").ArgStr(0, "a"),
			filter: "type='signal',arg0='a',arg2='c'",
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig", String("a"), Int32(1), String("c")),
				sig(false, ":1.1", "/", "org.test", "Sig", String("a"), Int32(1), String("d")),
				sig(false, ":1.1", "/", "org.test", "Sig", String("a")),
				sig(false, ":1.1", "/", "org.test", "Sig", ObjectPath("/a"), Int32(1), String("c")),
			},
		},
		{
			name:   "arg path prefix",
			m:      NewMatch().ArgPathPrefix(0, "/aa/bb/"),
			filter: "arg0path='/aa/bb/'",
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig", String("/aa/bb/")),
				sig(true, ":1.1", "/", "org.test", "Sig", ObjectPath("/aa/bb/cc")),
				sig(true, ":1.1", "/", "org.test", "Sig", String("/aa/")),
				sig(true, ":1.1", "/", "org.test", "Sig", String("/")),
				sig(false, ":1.1", "/", "org.test", "Sig", String("/aa/b")),
				sig(false, ":1.1", "/", "org.test", "Sig", String("/aa")),
				sig(false, ":1.1", "/", "org.test", "Sig", Int32(1)),
			},
		},
		{
			name:   "arg0 namespace",
			m:      MatchAllSignals().Arg0Namespace("com.example"),
			filter: "type='signal',arg0namespace='com.example'",
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig", String("com.example")),
				sig(true, ":1.1", "/", "org.test", "Sig", String("com.example.Thing")),
				sig(false, ":1.1", "/", "org.test", "Sig", String("com.examples")),
				sig(false, ":1.1", "/", "org.test", "Sig"),
			},
		},
		{
			name:   "quoting",
			m:      NewMatch().ArgStr(0, "don't"),
			filter: `arg0='don'\''t'`,
			checks: []msgMatch{
				sig(true, ":1.1", "/", "org.test", "Sig", String("don't")),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.String(); got != tc.filter {
				t.Errorf("filter string wrong:\n  got: %s\n want: %s", got, tc.filter)
			}
			for _, c := range tc.checks {
				if got := tc.m.Matches(c.msg); got != c.want {
					t.Errorf("Matches(%s %v) = %v, want %v", c.msg, c.msg.Body, got, c.want)
				}
			}
		})
	}
}

func TestMatchArgIndexPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("ArgStr(64) did not panic")
		}
	}()
	NewMatch().ArgStr(64, "x")
}
