package main

import (
	"context"
	"fmt"

	"github.com/creachadair/command"
	"github.com/danderson/dbus/v2"
	"github.com/danderson/dbus/v2/server"
)

const (
	demoInterface = "com.github.danderson.dbus.Demo"
	demoPath      = dbus.ObjectPath("/com/github/danderson/dbus/Demo")
)

type demoState struct {
	Greeting string
	Count    uint32
}

func demoTree(opts ...server.Option) (*server.Tree, error) {
	iface := server.NewInterface(demoInterface)
	iface.Func("Echo", func(ctx context.Context, obj *server.Object, s string) (string, error) {
		return s, nil
	})
	iface.Func("Greet", func(ctx context.Context, obj *server.Object, name string) (string, error) {
		return fmt.Sprintf("%s, %s", obj.State().(*demoState).Greeting, name), nil
	})
	iface.Method("Increment", func(call *server.Call) ([]dbus.Value, error) {
		st := call.Object().State().(*demoState)
		st.Count++
		if err := call.PropertiesChanged(demoInterface, "Count"); err != nil {
			return nil, err
		}
		if st.Count%10 == 0 {
			if err := call.Emit(demoInterface, "Milestone", dbus.Uint32(st.Count)); err != nil {
				return nil, err
			}
		}
		return []dbus.Value{dbus.Uint32(st.Count)}, nil
	}).Out("count", "u")
	iface.Property("Greeting", "s").
		Get(func(ctx context.Context, obj *server.Object) (dbus.Value, error) {
			return dbus.String(obj.State().(*demoState).Greeting), nil
		}).
		Set(func(ctx context.Context, obj *server.Object, v dbus.Value) error {
			obj.State().(*demoState).Greeting = string(v.(dbus.String))
			return nil
		})
	iface.Property("Count", "u").
		Get(func(ctx context.Context, obj *server.Object) (dbus.Value, error) {
			return dbus.Uint32(obj.State().(*demoState).Count), nil
		})
	iface.Signal("Milestone").Arg("count", "u")

	tree := server.NewTree(opts...)
	if err := tree.Register(iface); err != nil {
		return nil, err
	}
	if err := tree.Insert("/", []string{server.InterfaceObjectManager}, nil); err != nil {
		return nil, err
	}
	if err := tree.Insert(demoPath, []string{demoInterface}, &demoState{Greeting: "Hello"}); err != nil {
		return nil, err
	}
	return tree, nil
}

func runServe(env *command.Env) error {
	conn, _, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	tree, err := demoTree(server.WithLogger(logger()))
	if err != nil {
		return fmt.Errorf("building object tree: %w", err)
	}
	conn.Export(tree)
	fmt.Printf("Serving %s at %s on %s\n", demoInterface, demoPath, conn.LocalName())

	select {
	case <-env.Context().Done():
	case <-conn.Done():
		return conn.Err()
	}
	fmt.Println("shutdown")
	return nil
}
