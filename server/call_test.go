package server

import (
	"context"
	"errors"
	"testing"

	"github.com/danderson/dbus/v2"
	"github.com/google/go-cmp/cmp"
)

// deferTree returns a tree with a com.example.Slow object at /slow,
// whose Wait method defers its reply to the returned channel.
func deferTree(t *testing.T) (*Tree, chan *Deferred) {
	t.Helper()
	pending := make(chan *Deferred, 10)
	iface := NewInterface("com.example.Slow")
	iface.Method("Wait", func(call *Call) ([]dbus.Value, error) {
		pending <- call.Defer()
		return nil, nil
	}).Out("answer", "u")
	iface.Method("Shout", func(call *Call) ([]dbus.Value, error) {
		if err := call.Emit("com.example.Slow", "Shouted", dbus.String(call.Sender())); err != nil {
			return nil, err
		}
		if err := call.PropertiesChanged("com.example.Slow", "Volume"); err != nil {
			return nil, err
		}
		return nil, nil
	})
	iface.Property("Volume", "q").Get(func(ctx context.Context, obj *Object) (dbus.Value, error) {
		return dbus.Uint16(11), nil
	})
	iface.Signal("Shouted").Arg("who", "s")

	tree := testTree(t)
	if err := tree.Register(iface); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert("/slow", []string{"com.example.Slow"}, nil); err != nil {
		t.Fatal(err)
	}
	return tree, pending
}

func TestDeferredReturn(t *testing.T) {
	tree, pending := deferTree(t)
	s := newFakeSender()
	ctx := dbus.WithSender(context.Background(), s)

	first := newCall("/slow", "com.example.Slow", "Wait")
	second := newCall("/slow", "com.example.Slow", "Wait")
	for _, msg := range []*dbus.Message{first, second} {
		if got := tree.HandleMessage(ctx, msg); len(got) != 0 {
			t.Fatalf("deferred call replied immediately: %v", got)
		}
	}
	d1, d2 := <-pending, <-pending

	// Complete out of order.
	d2.Fail(dbus.CallError{Name: "com.example.Error.Late", Detail: "too late"})
	d1.Return(dbus.Uint32(42))

	want := []*dbus.Message{
		dbus.NewError(second, "com.example.Error.Late", "too late"),
		dbus.NewMethodReturn(first, dbus.Uint32(42)),
	}
	if diff := cmp.Diff(s.messages(), want); diff != "" {
		t.Errorf("wrong deferred replies (-got+want):\n%s", diff)
	}
}

func TestDeferredWrongType(t *testing.T) {
	tree, pending := deferTree(t)
	s := newFakeSender()
	ctx := dbus.WithSender(context.Background(), s)
	msg := newCall("/slow", "com.example.Slow", "Wait")
	tree.HandleMessage(ctx, msg)
	(<-pending).Return(dbus.String("forty-two"))

	got := s.messages()
	if len(got) != 1 {
		t.Fatalf("got %d replies, want 1", len(got))
	}
	if got, want := errorName(got[0]), dbus.ErrNameFailed; got != want {
		t.Errorf("mistyped deferred reply got %q, want %q", got, want)
	}
}

func TestDeferredClosedConn(t *testing.T) {
	tree, pending := deferTree(t)
	s := newFakeSender()
	ctx := dbus.WithSender(context.Background(), s)
	tree.HandleMessage(ctx, newCall("/slow", "com.example.Slow", "Wait"))
	d := <-pending
	s.close()
	d.Return(dbus.Uint32(1))
	if got := s.messages(); len(got) != 0 {
		t.Errorf("deferred reply sent on closed connection: %v", got)
	}
}

func TestDeferredNoReply(t *testing.T) {
	tree, pending := deferTree(t)
	s := newFakeSender()
	ctx := dbus.WithSender(context.Background(), s)
	msg := newCall("/slow", "com.example.Slow", "Wait")
	msg.Flags |= dbus.FlagNoReplyExpected
	tree.HandleMessage(ctx, msg)
	(<-pending).Return(dbus.Uint32(1))
	if got := s.messages(); len(got) != 0 {
		t.Errorf("deferred reply sent for no-reply call: %v", got)
	}
}

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestDeferredMisuse(t *testing.T) {
	tree := testTree(t)
	iface := NewInterface("com.example.Bad")
	var saved *Deferred
	iface.Method("DeferTwice", func(call *Call) ([]dbus.Value, error) {
		saved = call.Defer()
		mustPanic(t, "second Defer", func() { call.Defer() })
		return nil, nil
	})
	if err := tree.Register(iface); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert("/bad", []string{"com.example.Bad"}, nil); err != nil {
		t.Fatal(err)
	}
	s := newFakeSender()
	tree.HandleMessage(dbus.WithSender(context.Background(), s), newCall("/bad", "com.example.Bad", "DeferTwice"))
	if saved == nil {
		t.Fatal("method did not run")
	}
	saved.Return()
	mustPanic(t, "second completion", func() { saved.Fail(errors.New("again")) })
	if got := len(s.messages()); got != 1 {
		t.Errorf("got %d replies, want 1", got)
	}
}

func TestCallEmit(t *testing.T) {
	tree, _ := deferTree(t)
	s := newFakeSender()
	ctx := dbus.WithSender(context.Background(), s)
	msg := newCall("/slow", "com.example.Slow", "Shout")
	out := tree.HandleMessage(ctx, msg)
	if len(out) != 1 || out[0].Type != dbus.MsgTypeReturn {
		t.Fatalf("Shout got %v, want one method return", out)
	}

	want := []*dbus.Message{
		dbus.NewSignal("/slow", "com.example.Slow", "Shouted", dbus.String(":1.42")),
		dbus.NewSignal("/slow", dbus.InterfaceProperties, "PropertiesChanged",
			dbus.String("com.example.Slow"),
			dbus.Dict{
				KeyType:   dbus.TypeString,
				ValueType: dbus.TypeVariant,
				Entries:   []dbus.DictEntry{{Key: dbus.String("Volume"), Value: dbus.Variant{Value: dbus.Uint16(11)}}},
			},
			dbus.Array{Elem: dbus.TypeString},
		),
	}
	if diff := cmp.Diff(s.messages(), want); diff != "" {
		t.Errorf("wrong signals (-got+want):\n%s", diff)
	}

	// Without a sender in the context, emitting fails.
	reply := handle(t, tree, newCall("/slow", "com.example.Slow", "Shout"))
	if got, want := errorName(reply), dbus.ErrNameFailed; got != want {
		t.Errorf("Shout without sender got %q, want %q", got, want)
	}
}
