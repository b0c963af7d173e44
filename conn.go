package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danderson/dbus/v2/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// An Option configures a [Conn].
type Option func(*connOptions)

type connOptions struct {
	log     *zerolog.Logger
	unixFDs bool
	hello   bool
}

func defaultConnOptions() connOptions {
	return connOptions{
		unixFDs: true,
		hello:   true,
	}
}

// WithLogger makes the Conn log to l. The default is the zerolog
// global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *connOptions) { o.log = &l }
}

// WithUnixFDs sets whether to negotiate file descriptor passing with
// the server. The default is true.
func WithUnixFDs(enable bool) Option {
	return func(o *connOptions) { o.unixFDs = enable }
}

// WithoutHello skips the initial Hello call to the bus. Use it for
// peer to peer connections that do not go through a message bus.
func WithoutHello() Option {
	return func(o *connOptions) { o.hello = false }
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	return Dial(ctx, transport.SystemBusAddress(), opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, fmt.Errorf("session bus not available: %w", err)
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the first reachable server in the DBus address
// string address.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := defaultConnOptions()
	for _, opt := range opts {
		opt(&o)
	}
	addrs, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, addr := range addrs {
		t, err := transport.DialAddress(ctx, addr, o.unixFDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("dialing %s: %w", addr, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return NewConn(ctx, t, opts...)
	}
	return nil, errors.Join(errs...)
}

// NewConn returns a Conn running over the authenticated transport t.
// The Conn takes ownership of t, and closes it when the Conn is
// closed.
//
// Unless [WithoutHello] is given, NewConn registers with the bus
// before returning.
func NewConn(ctx context.Context, t transport.Transport, opts ...Option) (*Conn, error) {
	o := defaultConnOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var logger zerolog.Logger
	if o.log != nil {
		logger = *o.log
	} else {
		logger = log.Logger.With().Str("component", "dbus").Logger()
	}

	ret := &Conn{
		t:   t,
		log: logger,
	}
	ret.d = NewDispatcher(DispatcherOptions{
		Files:  t,
		Logger: &ret.log,
	})
	ret.bus = ret.Peer(BusName).Object(BusPath)

	ret.wg.Add(2)
	go ret.readLoop()
	go ret.writeLoop()

	if o.hello {
		name, err := Call[string](ctx, ret.bus.Interface(InterfaceBus), "Hello")
		if err != nil {
			ret.Close()
			return nil, fmt.Errorf("getting DBus client ID: %w", err)
		}
		ret.localName = name
		ret.log = ret.log.With().Str("name", name).Logger()
	}

	return ret, nil
}

// BusName and BusPath locate the message bus itself.
const (
	BusName = "org.freedesktop.DBus"
	BusPath = ObjectPath("/org/freedesktop/DBus")
)

// Conn is a DBus connection.
//
// A Conn runs a read goroutine that dispatches incoming messages, and
// a writer goroutine that drains outgoing messages to the
// transport. Method calls not consumed by a [Watcher] or a pending
// call go to the [Handler] registered with [Conn.Export].
type Conn struct {
	t         transport.Transport
	d         *Dispatcher
	log       zerolog.Logger
	localName string
	bus       Object

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dispatcher returns the connection's dispatcher.
func (c *Conn) Dispatcher() *Dispatcher { return c.d }

// Close closes the DBus connection. Pending calls fail with
// [ErrConnectionLost].
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.d.Close(net.ErrClosed)
		err = c.t.Close()
		c.wg.Wait()
	})
	return err
}

// Done returns a channel that is closed when the connection shuts
// down.
func (c *Conn) Done() <-chan struct{} { return c.d.Done() }

// Err returns the reason the connection shut down, or nil if it is
// still running.
func (c *Conn) Err() error { return c.d.Err() }

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.localName
}

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// Export makes h handle incoming method calls. A nil h restores the
// default handling, which answers only the Peer interface.
func (c *Conn) Export(h Handler) {
	c.d.SetHandler(h)
}

// Send queues msg for sending and returns its serial. Replies to msg,
// if any, are discarded. Use [Conn.Call] to wait for a reply.
func (c *Conn) Send(msg *Message) (uint32, error) {
	if err := c.checkFiles(msg); err != nil {
		return 0, err
	}
	return c.d.Send(msg)
}

func (c *Conn) checkFiles(msg *Message) error {
	if len(msg.Files) > 0 && !c.t.UnixFDs() {
		return errors.New("cannot send files, connection does not support fd passing")
	}
	return nil
}

// Call sends the method call msg and waits for its reply.
//
// If msg has [FlagNoReplyExpected] set, Call returns nil, nil as soon
// as the message is queued. If the reply is an error, Call returns
// the reply and a [CallError].
func (c *Conn) Call(ctx context.Context, msg *Message) (*Message, error) {
	if err := c.checkFiles(msg); err != nil {
		return nil, err
	}
	if !msg.WantReply() {
		_, err := c.d.Send(msg)
		return nil, err
	}
	p, err := c.d.Call(msg)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Emit broadcasts the signal member of iface from the object at path.
func (c *Conn) Emit(path ObjectPath, iface, member string, args ...any) error {
	body, err := ValuesOf(args...)
	if err != nil {
		return err
	}
	_, err = c.d.Send(NewSignal(path, iface, member, body...))
	return err
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64<<10)
	for {
		n, err := c.t.Read(buf)
		if n > 0 {
			if ferr := c.d.Feed(buf[:n]); ferr != nil {
				c.log.Warn().Err(ferr).Msg("protocol error, closing connection")
				c.t.Close()
				return
			}
		}
		if err != nil {
			if c.d.Err() == nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				c.log.Warn().Err(err).Msg("read error, closing connection")
				c.d.Close(fmt.Errorf("reading from connection: %w", err))
			}
			c.t.Close()
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		bs, files, ok := c.d.Outgoing()
		if !ok {
			select {
			case <-c.d.Wake():
				continue
			case <-c.d.Done():
				return
			}
		}
		n, err := c.t.WriteWithFiles(bs, files)
		if n > 0 {
			c.d.Wrote(n)
		}
		if err != nil {
			if c.d.Err() == nil {
				c.log.Warn().Err(err).Msg("write error, closing connection")
				c.d.Close(fmt.Errorf("writing to connection: %w", err))
			}
			c.t.Close()
			return
		}
	}
}
