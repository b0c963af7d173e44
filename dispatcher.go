package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbus/v2/fragments"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// A Stream is a non-blocking byte stream, as driven by
// [Dispatcher.Advance].
type Stream interface {
	// TryRead reads whatever bytes are available into bs, without
	// blocking. It returns 0, nil if nothing is available.
	TryRead(bs []byte) (int, error)
	// TryWrite writes as much of bs as it can without blocking. files
	// are sent along with the first byte written.
	TryWrite(bs []byte, files []*os.File) (int, error)
}

// A FileSource provides the file descriptors that were received
// alongside message bytes.
type FileSource interface {
	GetFiles(n int) ([]*os.File, error)
}

// A Handler handles incoming method calls that no match consumed.
//
// HandleMessage returns the messages to send in response. The
// context carries the [Sender] of the connection the call arrived
// on. HandleMessage runs on the connection's delivery path, and must
// not block waiting for replies on the same connection.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) []*Message
}

// MatchToken identifies a match registered with
// [Dispatcher.AddMatch].
type MatchToken uint64

// DispatcherOptions configure a [Dispatcher].
type DispatcherOptions struct {
	// Order is the byte order of outgoing messages. The default is
	// the native byte order.
	Order fragments.ByteOrder
	// Handler handles method calls not consumed by a match. If nil,
	// the dispatcher answers Peer.Ping and Peer.GetMachineId, and
	// replies to everything else with an UnknownMethod error.
	Handler Handler
	// Files provides the file descriptors for incoming messages that
	// carry them.
	Files FileSource
	// Logger is the logger to use. The default is the zerolog global
	// logger.
	Logger *zerolog.Logger
	// MachineID reports the machine ID for Peer.GetMachineId. The
	// default is [MachineID].
	MachineID func() (string, error)
}

type outMsg struct {
	bs    []byte
	files []*os.File
}

type matchEntry struct {
	token MatchToken
	match *Match
	fn    func(*Message) bool
}

// A Dispatcher is the protocol core of a DBus connection. It assigns
// serials to outgoing messages, queues them for writing, correlates
// replies with pending calls, and routes other incoming messages to
// matches or to a [Handler].
//
// A Dispatcher does no I/O of its own. Bytes read from the
// connection are given to [Dispatcher.Feed], and queued output is
// drained with [Dispatcher.Outgoing] and [Dispatcher.Wrote].
// Alternatively, [Dispatcher.Advance] does both against a
// non-blocking [Stream].
//
// All methods are safe for concurrent use, except that Feed and
// Advance must not be called concurrently with themselves or each
// other.
type Dispatcher struct {
	order     fragments.ByteOrder
	handler   Handler
	files     FileSource
	log       zerolog.Logger
	machineID func() (string, error)
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}

	inMu    sync.Mutex
	in      MessageBuffer
	readBuf []byte

	mu         sync.Mutex
	closed     error
	lastSerial uint32
	pending    map[uint32]*PendingReply
	matches    []*matchEntry
	lastToken  MatchToken
	out        queue.Queue[outMsg]
	outOff     int
}

// NewDispatcher returns a new Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	ret := &Dispatcher{
		order:     opts.Order,
		handler:   opts.Handler,
		files:     opts.Files,
		machineID: opts.MachineID,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		pending:   map[uint32]*PendingReply{},
	}
	if ret.order == nil {
		ret.order = fragments.NativeEndian
	}
	if ret.machineID == nil {
		ret.machineID = MachineID
	}
	if opts.Logger != nil {
		ret.log = *opts.Logger
	} else {
		ret.log = log.Logger.With().Str("component", "dbus").Logger()
	}
	ret.ctx, ret.cancel = context.WithCancel(context.Background())
	ret.ctx = WithSender(ret.ctx, ret)
	return ret
}

// SetHandler replaces the dispatcher's handler for method calls. A
// nil handler restores the default Peer handling.
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Send queues msg for sending, and returns the serial assigned to it.
// msg.Serial is overwritten with the assigned serial.
//
// If msg is a method call that expects a reply, use [Dispatcher.Call]
// or [Dispatcher.Waiter] to collect the reply.
func (d *Dispatcher) Send(msg *Message) (uint32, error) {
	p, err := d.send(msg)
	if err != nil {
		return 0, err
	}
	if p != nil {
		return p.serial, nil
	}
	return msg.Serial, nil
}

// Call queues the method call msg for sending, and returns the
// pending reply.
func (d *Dispatcher) Call(msg *Message) (*PendingReply, error) {
	if !msg.WantReply() {
		return nil, errors.New("Call requires a method call that expects a reply")
	}
	return d.send(msg)
}

func (d *Dispatcher) send(msg *Message) (*PendingReply, error) {
	if err := msg.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	pending, err := func() (*PendingReply, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed != nil {
			return nil, net.ErrClosed
		}
		d.lastSerial++
		msg.Serial = d.lastSerial
		if !msg.WantReply() {
			return nil, nil
		}
		// Registered before queueing, so that the reply cannot win
		// the race with the waiter.
		p := &PendingReply{
			d:      d,
			serial: msg.Serial,
			done:   make(chan struct{}),
		}
		d.pending[msg.Serial] = p
		return p, nil
	}()
	if err != nil {
		return nil, err
	}

	bs, err := EncodeMessage(d.order, msg)
	if err != nil {
		if pending != nil {
			pending.Cancel()
		}
		return nil, err
	}

	err = func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed != nil {
			return net.ErrClosed
		}
		d.out.Add(outMsg{bs, msg.Files})
		return nil
	}()
	if err != nil {
		return nil, err
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return pending, nil
}

// Waiter returns the pending reply for the method call that was sent
// with the given serial, if it is still outstanding.
func (d *Dispatcher) Waiter(serial uint32) (*PendingReply, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[serial]
	return p, ok
}

// AddMatch registers fn to be called for incoming messages that
// match m and are not replies to pending calls. Matches are tried in
// registration order, and only the first matching one receives the
// message. If fn returns false, the match is removed.
func (d *Dispatcher) AddMatch(m *Match, fn func(*Message) bool) MatchToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastToken++
	if d.closed == nil {
		d.matches = append(d.matches, &matchEntry{d.lastToken, m, fn})
	}
	return d.lastToken
}

// RemoveMatch removes the match identified by tok. It reports whether
// the match was still registered. Removing a match that is already
// gone is a no-op.
func (d *Dispatcher) RemoveMatch(tok MatchToken) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.matches {
		if e.token == tok {
			d.matches = append(d.matches[:i:i], d.matches[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch routes one incoming message.
func (d *Dispatcher) Dispatch(msg *Message) {
	if msg.Type == MsgTypeReturn || msg.Type == MsgTypeError {
		if d.fulfill(msg.ReplySerial, msg, msg.Err()) {
			return
		}
	}

	if e := d.firstMatch(msg); e != nil {
		if !e.fn(msg) {
			d.RemoveMatch(e.token)
		}
		return
	}

	if msg.Type != MsgTypeCall {
		d.log.Debug().Stringer("msg", msg).Msg("dropping unhandled message")
		return
	}

	h := func() Handler {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.handler
	}()
	var replies []*Message
	if h != nil {
		replies = h.HandleMessage(d.ctx, msg)
	} else {
		replies = []*Message{d.defaultReply(msg)}
	}
	for _, r := range replies {
		if r == nil {
			continue
		}
		isReply := r.Type == MsgTypeReturn || r.Type == MsgTypeError
		if isReply && r.ReplySerial == msg.Serial && !msg.WantReply() {
			continue
		}
		if _, err := d.Send(r); err != nil {
			d.log.Warn().Err(err).Stringer("msg", r).Msg("failed to send reply")
		}
	}
}

// fulfill completes the pending call with the given serial. It
// reports whether the reply was consumed. Replies to serials this
// dispatcher issued are always consumed, even when nothing is
// waiting for them any more: a duplicate or late reply is dropped.
func (d *Dispatcher) fulfill(serial uint32, msg *Message, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[serial]
	if !ok {
		if serial != 0 && serial <= d.lastSerial {
			d.log.Debug().Uint32("reply_serial", serial).Msg("dropping reply with no waiter")
			return true
		}
		return false
	}
	delete(d.pending, serial)
	p.complete(msg, err)
	return true
}

func (d *Dispatcher) firstMatch(msg *Message) *matchEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.matches {
		if e.match.Matches(msg) {
			return e
		}
	}
	return nil
}

func (d *Dispatcher) defaultReply(msg *Message) *Message {
	if msg.Interface == InterfacePeer {
		switch msg.Member {
		case "Ping":
			return NewMethodReturn(msg)
		case "GetMachineId":
			id, err := d.machineID()
			if err != nil {
				return NewError(msg, ErrNameFailed, fmt.Sprintf("reading machine ID: %v", err))
			}
			return NewMethodReturn(msg, String(id))
		default:
			return NewError(msg, ErrNameUnknownMethod, "Method does not exist")
		}
	}
	return NewError(msg, ErrNameUnknownMethod, fmt.Sprintf("Path, interface, or method does not exist: path=%s, interface=%s, member=%s", msg.Path, msg.Interface, msg.Member))
}

// Feed gives the dispatcher bytes read from the connection. Every
// complete message in the accumulated input is dispatched before
// Feed returns.
//
// Feed returns an error, and closes the dispatcher, if the input
// violates the DBus protocol.
func (d *Dispatcher) Feed(bs []byte) error {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	d.in.Feed(bs)
	for {
		msg, err := d.in.Next()
		var me *MismatchError
		switch {
		case err != nil && msg != nil && errors.As(err, &me):
			d.badMessage(msg, err)
			continue
		case err != nil:
			err = fmt.Errorf("reading message: %w", err)
			d.Close(err)
			return err
		case msg == nil:
			return nil
		}

		if msg.UnixFDs > 0 {
			if d.files == nil {
				err := fmt.Errorf("%w: message carries %d file descriptors, but fd passing is not available", ErrProtocol, msg.UnixFDs)
				d.Close(err)
				return err
			}
			fs, err := d.files.GetFiles(int(msg.UnixFDs))
			if err != nil {
				err = fmt.Errorf("receiving file descriptors: %w", err)
				d.Close(err)
				return err
			}
			msg.Files = fs
		}
		d.Dispatch(msg)
	}
}

// badMessage handles an incoming message whose body failed to
// decode.
func (d *Dispatcher) badMessage(msg *Message, err error) {
	d.log.Warn().Err(err).Stringer("msg", msg).Msg("received malformed message body")
	switch msg.Type {
	case MsgTypeReturn, MsgTypeError:
		d.fulfill(msg.ReplySerial, nil, err)
	case MsgTypeCall:
		if msg.WantReply() {
			if _, err := d.Send(NewError(msg, ErrNameInvalidArgs, err.Error())); err != nil {
				d.log.Warn().Err(err).Msg("failed to send reply")
			}
		}
	}
}

// Outgoing returns the bytes of the next queued message that are yet
// to be written, and the files to send with them. ok is false if
// nothing is queued.
func (d *Dispatcher) Outgoing() (bs []byte, files []*os.File, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	head, ok := d.out.Peek(0)
	if !ok {
		return nil, nil, false
	}
	if d.outOff == 0 {
		files = head.files
	}
	return head.bs[d.outOff:], files, true
}

// Wrote records that n bytes of the slice last returned by
// [Dispatcher.Outgoing] were written.
func (d *Dispatcher) Wrote(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	head, ok := d.out.Peek(0)
	if !ok {
		return
	}
	d.outOff += n
	if d.outOff >= len(head.bs) {
		d.out.Pop()
		d.outOff = 0
	}
}

// Wake returns a channel that receives a value when messages are
// queued for writing.
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

// Advance makes at most one write attempt and one read attempt on s,
// without blocking, and dispatches any messages that were completed
// by the read. It is meant to be called whenever s is ready.
//
// Advance returns a non-nil error once the dispatcher is closed.
func (d *Dispatcher) Advance(s Stream) error {
	if err := d.Err(); err != nil {
		return err
	}

	if bs, files, ok := d.Outgoing(); ok {
		n, err := s.TryWrite(bs, files)
		if n > 0 {
			d.Wrote(n)
		}
		if err != nil {
			err = fmt.Errorf("writing message: %w", err)
			d.Close(err)
			return err
		}
	}

	if d.readBuf == nil {
		d.readBuf = make([]byte, 64<<10)
	}
	n, err := s.TryRead(d.readBuf)
	if n > 0 {
		if ferr := d.Feed(d.readBuf[:n]); ferr != nil {
			return ferr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("reading from connection: %w", err)
		d.Close(err)
		return err
	}
	return nil
}

// Close shuts down the dispatcher. All pending calls fail with an
// error wrapping [ErrConnectionLost] and cause, and later sends fail.
// Only the first call to Close has any effect.
func (d *Dispatcher) Close(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed != nil {
		return
	}
	if cause == nil {
		cause = net.ErrClosed
	}
	d.closed = cause
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for serial, p := range d.pending {
		delete(d.pending, serial)
		p.complete(nil, err)
	}
	d.matches = nil
	d.out.Clear()
	d.outOff = 0
	d.cancel()
	close(d.done)
}

// Done returns a channel that is closed when the dispatcher shuts
// down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the reason the dispatcher was closed, or nil if it is
// still open.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// A PendingReply is the future reply to a method call.
type PendingReply struct {
	d      *Dispatcher
	serial uint32
	done   chan struct{}

	// Guarded by d.mu.
	completed bool
	taken     bool
	msg       *Message
	err       error
}

// errCanceled is the result of a canceled PendingReply.
var errCanceled = errors.New("reply wait canceled")

// Serial returns the serial of the method call.
func (p *PendingReply) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the reply is available.
func (p *PendingReply) Done() <-chan struct{} { return p.done }

// complete records the call's result. d.mu must be held.
func (p *PendingReply) complete(msg *Message, err error) {
	if p.completed {
		return
	}
	p.completed = true
	p.msg, p.err = msg, err
	close(p.done)
}

// TryTake returns the reply, if it has arrived. ok is false if the
// reply is still pending.
//
// The reply can be taken only once. Subsequent calls return
// [ErrReplyConsumed]. If the reply is an error message, it is
// returned along with its [CallError].
func (p *PendingReply) TryTake() (msg *Message, ok bool, err error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if !p.completed {
		return nil, false, nil
	}
	if p.taken {
		return nil, true, ErrReplyConsumed
	}
	p.taken = true
	msg, err = p.msg, p.err
	p.msg = nil
	return msg, true, err
}

// Wait waits for the reply and takes it. If ctx is canceled first,
// the wait is abandoned with [PendingReply.Cancel].
func (p *PendingReply) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
	msg, _, err := p.TryTake()
	return msg, err
}

// Cancel abandons the reply. A reply that arrives later is dropped.
// Canceling a reply that has already arrived is a no-op.
func (p *PendingReply) Cancel() {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if p.completed {
		return
	}
	if p.d.pending[p.serial] == p {
		delete(p.d.pending, p.serial)
	}
	p.complete(nil, errCanceled)
}
