package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/danderson/dbus/v2"
)

type indenter struct {
	out        io.Writer
	prefix     string
	indentNext bool
}

func newIndenter() *indenter {
	return &indenter{out: os.Stdout, indentNext: true}
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(i.out, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := i.out.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

type objectInterface struct {
	dbus.Interface
	Description *dbus.InterfaceDescription
}

// listInterfaces walks the object tree of peer in path order,
// yielding every interface whose object path matches objectFilter
// and whose name matches interfaceFilter.
func listInterfaces(ctx context.Context, peer dbus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(func(a, b dbus.Object) int {
			return cmp.Compare(a.Path(), b.Path())
		})
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Introspect(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(peer.Object(obj.Path().Child(child)))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, d := range desc.Interfaces {
				if !im.MatchString(d.Name) {
					continue
				}
				if !yield(objectInterface{obj.Interface(d.Name), d}, nil) {
					return
				}
			}
		}
	}
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}

// parseArg parses a command line method argument of the form
// "type:value", where type is a single basic type code. An argument
// with no type prefix is a string.
func parseArg(arg string) (dbus.Value, error) {
	code, val, ok := strings.Cut(arg, ":")
	if !ok || len(code) != 1 {
		return dbus.String(arg), nil
	}
	bad := func(err error) (dbus.Value, error) {
		return nil, fmt.Errorf("invalid %s argument %q: %w", code, val, err)
	}
	switch code {
	case "y":
		v, err := strconv.ParseUint(val, 0, 8)
		if err != nil {
			return bad(err)
		}
		return dbus.Byte(v), nil
	case "b":
		v, err := strconv.ParseBool(val)
		if err != nil {
			return bad(err)
		}
		return dbus.Bool(v), nil
	case "n":
		v, err := strconv.ParseInt(val, 0, 16)
		if err != nil {
			return bad(err)
		}
		return dbus.Int16(v), nil
	case "q":
		v, err := strconv.ParseUint(val, 0, 16)
		if err != nil {
			return bad(err)
		}
		return dbus.Uint16(v), nil
	case "i":
		v, err := strconv.ParseInt(val, 0, 32)
		if err != nil {
			return bad(err)
		}
		return dbus.Int32(v), nil
	case "u":
		v, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return bad(err)
		}
		return dbus.Uint32(v), nil
	case "x":
		v, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return bad(err)
		}
		return dbus.Int64(v), nil
	case "t":
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return bad(err)
		}
		return dbus.Uint64(v), nil
	case "d":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return bad(err)
		}
		return dbus.Double(v), nil
	case "s":
		return dbus.String(val), nil
	case "o":
		p := dbus.ObjectPath(val)
		if err := p.Valid(); err != nil {
			return bad(err)
		}
		return p, nil
	case "g":
		s, err := dbus.ParseSignature(val)
		if err != nil {
			return bad(err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %q in %q", code, arg)
	}
}
