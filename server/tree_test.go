package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/danderson/dbus/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
)

const testMachineID = "0123456789abcdef0123456789abcdef"

func testTree(t *testing.T) *Tree {
	t.Helper()
	return NewTree(
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		WithMachineID(func() (string, error) { return testMachineID, nil }),
	)
}

// fakeSender records sent messages.
type fakeSender struct {
	mu     sync.Mutex
	sent   []*dbus.Message
	done   chan struct{}
	closed bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{done: make(chan struct{})}
}

func (f *fakeSender) Send(msg *dbus.Message) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("closed")
	}
	f.sent = append(f.sent, msg)
	return uint32(len(f.sent)), nil
}

func (f *fakeSender) Done() <-chan struct{} { return f.done }

func (f *fakeSender) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	close(f.done)
}

func (f *fakeSender) messages() []*dbus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dbus.Message(nil), f.sent...)
}

var callSerial uint32

func newCall(path dbus.ObjectPath, iface, member string, body ...dbus.Value) *dbus.Message {
	callSerial++
	ret := dbus.NewMethodCall("", path, iface, member, body...)
	ret.Serial = callSerial
	ret.Sender = ":1.42"
	return ret
}

// handle runs msg through tree, and returns its only reply.
func handle(t *testing.T, tree *Tree, msg *dbus.Message) *dbus.Message {
	t.Helper()
	out := tree.HandleMessage(context.Background(), msg)
	if len(out) != 1 {
		t.Fatalf("HandleMessage(%s) returned %d messages, want 1", msg, len(out))
	}
	if testing.Verbose() {
		t.Logf("%s -> %s", msg, out[0])
	}
	return out[0]
}

func errorName(m *dbus.Message) string {
	if m.Type != dbus.MsgTypeError {
		return ""
	}
	return m.ErrorName
}

func diffMessage(got, want *dbus.Message) string {
	return cmp.Diff(got, want, cmpopts.EquateEmpty())
}

// exampleTree returns a tree with com.example.X at /obj, with a Foo
// method and a Bar property.
func exampleTree(t *testing.T) (*Tree, *byte) {
	t.Helper()
	bar := new(byte)
	x := NewInterface("com.example.X")
	x.Method("Foo", func(call *Call) ([]dbus.Value, error) {
		n := call.Args()[0].(dbus.Int32)
		return []dbus.Value{dbus.String(strings.Repeat("x", int(n)))}, nil
	}).In("number", "i").Out("text", "s")
	x.Property("Bar", "y").
		Get(func(ctx context.Context, obj *Object) (dbus.Value, error) {
			return dbus.Byte(*obj.State().(*byte)), nil
		}).
		Set(func(ctx context.Context, obj *Object, v dbus.Value) error {
			*obj.State().(*byte) = byte(v.(dbus.Byte))
			return nil
		})

	tree := testTree(t)
	if err := tree.Register(x); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tree.Insert("/obj", []string{"com.example.X"}, bar); err != nil {
		t.Fatalf("Insert(/obj): %v", err)
	}
	if err := tree.Insert("/obj/child", nil, nil); err != nil {
		t.Fatalf("Insert(/obj/child): %v", err)
	}
	return tree, bar
}

func TestTreeIntrospect(t *testing.T) {
	tree, _ := exampleTree(t)
	reply := handle(t, tree, newCall("/obj", dbus.InterfaceIntrospectable, "Introspect"))
	if reply.Type != dbus.MsgTypeReturn {
		t.Fatalf("Introspect failed: %v", reply.Err())
	}
	xml := string(reply.Body[0].(dbus.String))
	g := goldie.New(t)
	g.Assert(t, "introspect_example", []byte(xml))

	n, err := dbus.ParseIntrospection([]byte(xml))
	if err != nil {
		t.Fatalf("parsing introspection: %v", err)
	}
	x := n.Interface("com.example.X")
	if x == nil {
		t.Fatal("com.example.X missing from introspection")
	}
	if got := len(x.Methods); got != 1 {
		t.Errorf("got %d methods, want 1", got)
	}
	foo := x.Method("Foo")
	if foo == nil || len(foo.In) != 1 || len(foo.Out) != 1 {
		t.Errorf("wrong Foo description: %v", foo)
	}
	if p := x.Property("Bar"); p == nil || p.Access() != "readwrite" || p.Type.String() != "y" {
		t.Errorf("wrong Bar description: %v", p)
	}
	if diff := cmp.Diff(n.Children, []string{"child"}); diff != "" {
		t.Errorf("wrong children (-got+want):\n%s", diff)
	}
}

func TestTreeChildren(t *testing.T) {
	tree := testTree(t)
	for _, p := range []dbus.ObjectPath{"/a", "/a/z", "/a/b/c", "/a/b/d", "/a/b", "/ab", "/a/m/n/o"} {
		if err := tree.Insert(p, nil, nil); err != nil {
			t.Fatalf("Insert(%s): %v", p, err)
		}
	}
	tests := []struct {
		path dbus.ObjectPath
		want []string
	}{
		{"/", []string{"a", "ab"}},
		{"/a", []string{"b", "m", "z"}},
		{"/a/b", []string{"c", "d"}},
		{"/a/b/c", nil},
		{"/a/m", []string{"n"}},
	}
	for _, tc := range tests {
		reply := handle(t, tree, newCall(tc.path, "", "Introspect"))
		if reply.Type != dbus.MsgTypeReturn {
			t.Errorf("Introspect(%s) failed: %v", tc.path, reply.Err())
			continue
		}
		n, err := dbus.ParseIntrospection([]byte(reply.Body[0].(dbus.String)))
		if err != nil {
			t.Fatalf("parsing introspection of %s: %v", tc.path, err)
		}
		if diff := cmp.Diff(n.Children, tc.want, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Introspect(%s) wrong children (-got+want):\n%s", tc.path, diff)
		}
	}

	// Intermediate paths only answer Introspect.
	reply := handle(t, tree, newCall("/a/m", dbus.InterfaceProperties, "GetAll", dbus.String("x.y")))
	if got, want := errorName(reply), dbus.ErrNameUnknownObject; got != want {
		t.Errorf("GetAll on intermediate path got %q, want %q", got, want)
	}
}

func TestTreeCall(t *testing.T) {
	tree, _ := exampleTree(t)
	for _, iface := range []string{"com.example.X", ""} {
		msg := newCall("/obj", iface, "Foo", dbus.Int32(3))
		got := handle(t, tree, msg)
		want := dbus.NewMethodReturn(msg, dbus.String("xxx"))
		if diff := diffMessage(got, want); diff != "" {
			t.Errorf("Foo with interface %q wrong reply (-got+want):\n%s", iface, diff)
		}
	}
}

func TestTreeErrors(t *testing.T) {
	tree, _ := exampleTree(t)
	other := NewInterface("com.example.Y")
	other.Method("Foo", func(*Call) ([]dbus.Value, error) { return nil, nil })
	if err := tree.Register(other); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert("/both", []string{"com.example.X", "com.example.Y"}, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  *dbus.Message
		want string
	}{
		{"unknown object", newCall("/nope", "com.example.X", "Foo", dbus.Int32(1)), dbus.ErrNameUnknownObject},
		{"unknown interface", newCall("/obj", "com.example.Nope", "Foo", dbus.Int32(1)), dbus.ErrNameUnknownMethod},
		{"unknown method", newCall("/obj", "com.example.X", "Nope"), dbus.ErrNameUnknownMethod},
		{"unknown method no interface", newCall("/obj", "", "Nope"), dbus.ErrNameUnknownMethod},
		{"interface not at path", newCall("/obj/child", "com.example.X", "Foo", dbus.Int32(1)), dbus.ErrNameUnknownMethod},
		{"ambiguous", newCall("/both", "", "Foo"), dbus.ErrNameUnknownMethod},
		{"no args", newCall("/obj", "com.example.X", "Foo"), dbus.ErrNameInvalidArgs},
		{"wrong args", newCall("/obj", "com.example.X", "Foo", dbus.String("3")), dbus.ErrNameInvalidArgs},
		{"extra args", newCall("/obj", "com.example.X", "Foo", dbus.Int32(3), dbus.Int32(4)), dbus.ErrNameInvalidArgs},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reply := handle(t, tree, tc.msg)
			if got := errorName(reply); got != tc.want {
				t.Errorf("got error %q, want %q", got, tc.want)
			}
			if reply.ReplySerial != tc.msg.Serial {
				t.Errorf("reply serial %d, want %d", reply.ReplySerial, tc.msg.Serial)
			}
			if reply.Destination != tc.msg.Sender {
				t.Errorf("reply destination %q, want %q", reply.Destination, tc.msg.Sender)
			}
		})
	}

	reply := handle(t, tree, newCall("/obj", "com.example.X", "Foo", dbus.String("3")))
	if detail := reply.Err().(dbus.CallError).Detail; !strings.Contains(detail, `"i"`) || !strings.Contains(detail, `"s"`) {
		t.Errorf("InvalidArgs detail %q does not name both signatures", detail)
	}
}

func TestTreeMethodErrors(t *testing.T) {
	tree := testTree(t)
	x := NewInterface("com.example.Errors")
	x.Method("Plain", func(*Call) ([]dbus.Value, error) {
		return nil, errors.New("it broke")
	})
	x.Method("Named", func(*Call) ([]dbus.Value, error) {
		return nil, fmtWrap(dbus.CallError{Name: "com.example.Error.Nope", Detail: "nope"})
	})
	x.Method("Pointer", func(*Call) ([]dbus.Value, error) {
		return nil, &dbus.CallError{Name: "com.example.Error.Pointer"}
	})
	x.Method("WrongType", func(*Call) ([]dbus.Value, error) {
		return []dbus.Value{dbus.Int32(1)}, nil
	}).Out("text", "s")
	if err := tree.Register(x); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert("/", []string{"com.example.Errors"}, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		member     string
		wantName   string
		wantDetail string
	}{
		{"Plain", dbus.ErrNameFailed, "it broke"},
		{"Named", "com.example.Error.Nope", "nope"},
		{"Pointer", "com.example.Error.Pointer", ""},
		{"WrongType", dbus.ErrNameFailed, `Method WrongType returned "i", want "s"`},
	}
	for _, tc := range tests {
		reply := handle(t, tree, newCall("/", "com.example.Errors", tc.member))
		want := dbus.CallError{Name: tc.wantName, Detail: tc.wantDetail}
		if diff := cmp.Diff(reply.Err(), error(want)); diff != "" {
			t.Errorf("%s wrong error (-got+want):\n%s", tc.member, diff)
		}
	}
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("context"), err)
}

func TestTreeNoReply(t *testing.T) {
	tree, _ := exampleTree(t)
	for _, msg := range []*dbus.Message{
		newCall("/obj", "com.example.X", "Foo", dbus.Int32(1)),
		newCall("/nope", "com.example.X", "Foo", dbus.Int32(1)),
		newCall("/obj", "com.example.X", "Foo"),
	} {
		msg.Flags |= dbus.FlagNoReplyExpected
		if got := tree.HandleMessage(context.Background(), msg); len(got) != 0 {
			t.Errorf("HandleMessage(%s) = %v, want no replies", msg, got)
		}
	}

	// Non-calls are ignored.
	sig := dbus.NewSignal("/obj", "com.example.X", "Foo", dbus.Int32(1))
	if got := tree.HandleMessage(context.Background(), sig); len(got) != 0 {
		t.Errorf("HandleMessage(signal) = %v, want nothing", got)
	}
}

func TestTreePeer(t *testing.T) {
	tree, _ := exampleTree(t)
	// Peer works on every path, even ones with no object.
	for _, path := range []dbus.ObjectPath{"/obj", "/", "/not/a/thing"} {
		msg := newCall(path, dbus.InterfacePeer, "Ping")
		if diff := diffMessage(handle(t, tree, msg), dbus.NewMethodReturn(msg)); diff != "" {
			t.Errorf("Ping(%s) wrong reply (-got+want):\n%s", path, diff)
		}
		msg = newCall(path, dbus.InterfacePeer, "GetMachineId")
		want := dbus.NewMethodReturn(msg, dbus.String(testMachineID))
		if diff := diffMessage(handle(t, tree, msg), want); diff != "" {
			t.Errorf("GetMachineId(%s) wrong reply (-got+want):\n%s", path, diff)
		}
	}
	reply := handle(t, tree, newCall("/", dbus.InterfacePeer, "Nope"))
	if got, want := errorName(reply), dbus.ErrNameUnknownMethod; got != want {
		t.Errorf("unknown Peer method got %q, want %q", got, want)
	}
}

func TestTreeRegister(t *testing.T) {
	tree := testTree(t)
	x := NewInterface("com.example.X")
	if err := tree.Register(x); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tree.Register(NewInterface("com.example.X")); err == nil {
		t.Error("duplicate Register succeeded")
	}
	if err := tree.Register(NewInterface(dbus.InterfaceProperties)); err == nil {
		t.Error("Register of a standard interface succeeded")
	}
	if err := tree.Register(NewInterface("not an interface")); err == nil {
		t.Error("Register of invalid name succeeded")
	}
	noAccess := NewInterface("com.example.NoAccess")
	noAccess.Property("Nothing", "s")
	if err := tree.Register(noAccess); err == nil {
		t.Error("Register of a property with no getter or setter succeeded")
	}
	if err := tree.Insert("/na", []string{"com.example.NoAccess"}, nil); err == nil {
		t.Error("Insert of a rejected interface succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Error("modifying a registered interface did not panic")
		}
	}()
	x.Method("Late", func(*Call) ([]dbus.Value, error) { return nil, nil })
}

func TestTreeInsertRemove(t *testing.T) {
	tree, _ := exampleTree(t)
	if err := tree.Insert("not/a/path", nil, nil); err == nil {
		t.Error("Insert with invalid path succeeded")
	}
	if err := tree.Insert("/x", []string{"com.example.Unregistered"}, nil); err == nil {
		t.Error("Insert with unregistered interface succeeded")
	}

	// Replacing an object drops its old interfaces.
	if err := tree.Insert("/obj", nil, nil); err != nil {
		t.Fatal(err)
	}
	reply := handle(t, tree, newCall("/obj", "com.example.X", "Foo", dbus.Int32(1)))
	if got, want := errorName(reply), dbus.ErrNameUnknownMethod; got != want {
		t.Errorf("Foo on replaced object got %q, want %q", got, want)
	}

	if !tree.Remove("/obj") {
		t.Error("Remove(/obj) = false, want true")
	}
	if tree.Remove("/obj") {
		t.Error("second Remove(/obj) = true, want false")
	}
	reply = handle(t, tree, newCall("/obj", dbus.InterfaceProperties, "GetAll", dbus.String("com.example.X")))
	if got, want := errorName(reply), dbus.ErrNameUnknownObject; got != want {
		t.Errorf("call on removed object got %q, want %q", got, want)
	}
}

func TestTreeUpdate(t *testing.T) {
	tree, bar := exampleTree(t)
	err := tree.Update("/obj", func(state any) {
		*state.(*byte) = 42
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if *bar != 42 {
		t.Errorf("state after Update is %d, want 42", *bar)
	}
	if err := tree.Update("/nope", func(any) {}); err == nil {
		t.Error("Update of missing object succeeded")
	}
}

func TestTreeConcurrentCalls(t *testing.T) {
	tree := testTree(t)
	x := NewInterface("com.example.Counter")
	x.Method("Incr", func(call *Call) ([]dbus.Value, error) {
		n := call.Object().State().(*int)
		v := *n
		*n = v + 1
		return nil, nil
	})
	if err := tree.Register(x); err != nil {
		t.Fatal(err)
	}
	n := new(int)
	if err := tree.Insert("/counter", []string{"com.example.Counter"}, n); err != nil {
		t.Fatal(err)
	}

	const calls = 100
	var wg sync.WaitGroup
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree.HandleMessage(context.Background(), dbus.NewMethodCall("", "/counter", "com.example.Counter", "Incr"))
		}()
	}
	wg.Wait()
	tree.Update("/counter", func(state any) {
		if got := *state.(*int); got != calls {
			t.Errorf("counter is %d, want %d", got, calls)
		}
	})
}
