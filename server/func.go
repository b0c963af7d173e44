package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/danderson/dbus/v2"
)

const msgInvalidFuncSignature = "invalid signature %s for method func, valid signatures are:\n  func(context.Context, *server.Object, Args...) (Rets..., error)\n  func(context.Context, *server.Object, Args...) error"

// funcShape is the validated shape of a method func.
type funcShape struct {
	fn       reflect.Value
	ins      []reflect.Type
	inTypes  []dbus.Type
	outTypes []dbus.Type
}

func shapeOf(fn any) funcShape {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		panic(errors.New("nil method func"))
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Errorf("non-function method func type %s", t))
	}
	ni, no := t.NumIn(), t.NumOut()
	if ni < 2 || no < 1 || t.IsVariadic() {
		panic(fmt.Errorf(msgInvalidFuncSignature, t))
	}
	if t.In(0) != reflect.TypeFor[context.Context]() {
		panic(fmt.Errorf(msgInvalidFuncSignature, t))
	}
	if t.In(1) != reflect.TypeFor[*Object]() {
		panic(fmt.Errorf(msgInvalidFuncSignature, t))
	}
	if t.Out(no-1) != reflect.TypeFor[error]() {
		panic(fmt.Errorf(msgInvalidFuncSignature, t))
	}

	ret := funcShape{fn: v}
	for i := 2; i < ni; i++ {
		dt, err := dbus.TypeFor(t.In(i))
		if err != nil {
			panic(fmt.Errorf("argument %d type %s is not a valid DBus type: %w", i-2, t.In(i), err))
		}
		ret.ins = append(ret.ins, t.In(i))
		ret.inTypes = append(ret.inTypes, dt)
	}
	for i := range no - 1 {
		dt, err := dbus.TypeFor(t.Out(i))
		if err != nil {
			panic(fmt.Errorf("result %d type %s is not a valid DBus type: %w", i, t.Out(i), err))
		}
		ret.outTypes = append(ret.outTypes, dt)
	}
	return ret
}

func (s funcShape) method() MethodFunc {
	return func(call *Call) ([]dbus.Value, error) {
		args := call.Args()
		if len(args) != len(s.ins) {
			return nil, callErr(dbus.ErrNameInvalidArgs, "got %d arguments, want %d", len(args), len(s.ins))
		}
		in := make([]reflect.Value, 0, len(s.ins)+2)
		in = append(in, reflect.ValueOf(call.Context()), reflect.ValueOf(call.Object()))
		for i, arg := range args {
			p := reflect.New(s.ins[i])
			if err := dbus.Store(arg, p.Interface()); err != nil {
				return nil, callErr(dbus.ErrNameInvalidArgs, "argument %d: %v", i, err)
			}
			in = append(in, p.Elem())
		}

		rets := s.fn.Call(in)
		if err, _ := rets[len(rets)-1].Interface().(error); err != nil {
			return nil, err
		}
		ret := make([]dbus.Value, 0, len(rets)-1)
		for i, r := range rets[:len(rets)-1] {
			v, err := dbus.ValueOf(r.Interface())
			if err != nil {
				return nil, fmt.Errorf("converting result %d: %w", i, err)
			}
			ret = append(ret, v)
		}
		return ret, nil
	}
}

// Func adapts the Go function fn into a [MethodFunc].
//
// fn must be of the form
//
//	func(ctx context.Context, obj *server.Object, args...) (rets..., error)
//
// where every argument and result type can be converted to and from
// DBus values by [dbus.Store] and [dbus.ValueOf]. Reply values are
// converted with ValueOf, so their DBus types follow the Go types: a
// Go int is a DBus int64.
//
// Func panics if fn is not of that form.
func Func(fn any) MethodFunc {
	return shapeOf(fn).method()
}

// Func adds the method name, implemented by the Go function fn as
// described in the top-level [Func]. The method's arguments are
// declared from fn's types, without names. Use [Interface.Method]
// with [Func] to name them.
func (i *Interface) Func(name string, fn any) *Method {
	s := shapeOf(fn)
	m := i.Method(name, s.method())
	for _, t := range s.inTypes {
		m.in = append(m.in, dbus.ArgumentDescription{Type: dbus.NewSignature(t)})
	}
	for _, t := range s.outTypes {
		m.out = append(m.out, dbus.ArgumentDescription{Type: dbus.NewSignature(t)})
	}
	return m
}
