package dbus

import (
	"context"
)

// Peer is a participant on the bus, identified by its bus name.
type Peer struct {
	c    *Conn
	name string
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface(InterfacePeer).Call(ctx, "Ping")
	return err
}

// MachineID returns the machine ID of the host the peer runs on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	return Call[string](ctx, p.Object("/").Interface(InterfacePeer), "GetMachineId")
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle for the object at path on the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
