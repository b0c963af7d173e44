package dbus

import (
	"context"
	"errors"
	"fmt"
)

// NameRequestFlags are the flags to [Conn.RequestName].
type NameRequestFlags uint32

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// ErrNameUnavailable is returned by [Conn.RequestName] when the name
// has another owner and the request asked not to queue.
var ErrNameUnavailable = errors.New("requested name not available")

func (c *Conn) busIface() Interface { return c.bus.Interface(InterfaceBus) }

// RequestName asks the bus to assign name to this connection. It
// reports whether the connection is now the primary owner of the
// name.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	resp, err := Call[uint32](ctx, c.busIface(), "RequestName", name, uint32(flags))
	if err != nil {
		return false, err
	}
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		return false, ErrNameUnavailable
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName gives up this connection's claim on name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := Call[uint32](ctx, c.busIface(), "ReleaseName", name)
	return err
}

func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	return Call[[]string](ctx, c.busIface(), "ListQueuedOwners", name)
}

func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c.busIface(), "ListNames")
}

func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	return Call[[]string](ctx, c.busIface(), "ListActivatableNames")
}

func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	return Call[bool](ctx, c.busIface(), "NameHasOwner", name)
}

func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, c.busIface(), "GetNameOwner", name)
}

func (c *Conn) GetPeerUID(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.busIface(), "GetConnectionUnixUser", name)
}

func (c *Conn) GetPeerPID(ctx context.Context, name string) (uint32, error) {
	return Call[uint32](ctx, c.busIface(), "GetConnectionUnixProcessID", name)
}

// GetBusID returns the unique ID of the bus.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	return Call[string](ctx, c.busIface(), "GetId")
}

// AddMatch asks the bus to route messages matching m to this
// connection.
func (c *Conn) AddMatch(ctx context.Context, m *Match) error {
	_, err := c.busIface().Call(ctx, "AddMatch", m.String())
	return err
}

// RemoveMatch removes a rule previously added with [Conn.AddMatch].
func (c *Conn) RemoveMatch(ctx context.Context, m *Match) error {
	_, err := c.busIface().Call(ctx, "RemoveMatch", m.String())
	return err
}

// Not implemented:
//  - StartServiceByName, deprecated in favor of auto-start.
//  - UpdateActivationEnvironment, which belongs to the service
//    manager.
//  - GetAdtAuditSessionData, Solaris-only.
//  - GetConnectionSELinuxSecurityContext, deprecated in favor
//    of GetConnectionCredentials.
