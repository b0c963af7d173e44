package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is an authenticated DBus connection.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Transport.Write, but additionally sends
	// the given files as ancillary data.
	WriteWithFiles(bs []byte, fs []*os.File) (int, error)

	// TryRead is like Read, but returns 0, nil instead of blocking
	// when no bytes are available.
	TryRead(bs []byte) (int, error)
	// TryWrite is like WriteWithFiles, but returns the number of
	// bytes written so far instead of blocking.
	TryWrite(bs []byte, fs []*os.File) (int, error)

	// UnixFDs reports whether the server agreed to file descriptor
	// passing.
	UnixFDs() bool
}

// Dial connects to the first reachable server in a DBus address
// string, and authenticates. File descriptor passing is negotiated.
func Dial(ctx context.Context, address string) (Transport, error) {
	addrs, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, addr := range addrs {
		t, err := DialAddress(ctx, addr, true)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("dialing %s: %w", addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// DialUnix connects to the bus at the given path.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	return DialAddress(ctx, Address{Path: path}, true)
}

// DialAddress connects to addr and authenticates. If negotiateFDs is
// true, the connection asks the server for file descriptor passing.
func DialAddress(ctx context.Context, addr Address, negotiateFDs bool) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr.Network())
	if err != nil {
		return nil, err
	}
	return Client(ctx, conn.(*net.UnixConn), negotiateFDs)
}

// Client runs the client side of the authentication handshake over
// conn, and returns the resulting Transport. On failure, conn is
// closed.
func Client(ctx context.Context, conn *net.UnixConn, negotiateFDs bool) (Transport, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	ret := &unixTransport{
		conn: conn,
		raw:  raw,
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	err = ret.auth(os.Getuid(), negotiateFDs)
	if !stop() || ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return ret, nil
}

// unixTransport is a Transport that runs over a Unix domain socket.
type unixTransport struct {
	conn    *net.UnixConn
	raw     syscall.RawConn
	unixFDs bool

	readMu sync.Mutex
	oob    [512]byte
	// leftover holds message bytes that arrived in the same read as
	// the end of the auth handshake.
	leftover []byte

	mu     sync.Mutex
	closed bool
	fds    queue.Queue[*os.File]
}

func (u *unixTransport) auth(uid int, negotiateFDs bool) error {
	a, out := NewAuth(uid, negotiateFDs)
	if _, err := u.conn.Write(out); err != nil {
		return err
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for !a.Done() {
		n, err := u.conn.Read(chunk)
		if n == 0 && err == nil {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("server closed connection during auth: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		buf = append(buf, chunk[:n]...)
		for !a.Done() {
			consumed, reply, err := a.Feed(buf)
			if err != nil {
				return err
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			if _, err := u.conn.Write(reply); err != nil {
				return err
			}
		}
	}
	u.unixFDs = a.UnixFDs()
	if len(buf) > 0 {
		u.leftover = append([]byte(nil), buf...)
	}
	return nil
}

func (u *unixTransport) UnixFDs() bool { return u.unixFDs }

// takeLeftover copies buffered handshake leftovers into bs.
func (u *unixTransport) takeLeftover(bs []byte) int {
	n := copy(bs, u.leftover)
	u.leftover = u.leftover[n:]
	if len(u.leftover) == 0 {
		u.leftover = nil
	}
	return n
}

func (u *unixTransport) Read(bs []byte) (int, error) {
	u.readMu.Lock()
	defer u.readMu.Unlock()
	if len(u.leftover) > 0 {
		return u.takeLeftover(bs), nil
	}

	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if n == 0 && oobn == 0 && err == nil && len(bs) > 0 {
		err = io.EOF
	}
	return u.afterRead(n, oobn, flags, err)
}

func (u *unixTransport) TryRead(bs []byte) (int, error) {
	u.readMu.Lock()
	defer u.readMu.Unlock()
	if len(u.leftover) > 0 {
		return u.takeLeftover(bs), nil
	}

	var (
		n, oobn, flags int
		err            error
	)
	rerr := u.raw.Read(func(fd uintptr) bool {
		n, oobn, flags, _, err = unix.Recvmsg(int(fd), bs, u.oob[:], unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		return true
	})
	if rerr != nil {
		return 0, rerr
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if n == 0 && oobn == 0 && err == nil && len(bs) > 0 {
		err = io.EOF
	}
	return u.afterRead(n, oobn, flags, err)
}

func (u *unixTransport) afterRead(n, oobn, flags int, err error) (int, error) {
	if flags&unix.MSG_CTRUNC != 0 {
		u.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			u.Close()
			return 0, oobErr
		}
	}
	return n, err
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}
	if !u.unixFDs {
		return 0, errors.New("file descriptor passing not negotiated")
	}

	scm := unix.UnixRights(fileDescriptors(fs)...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		return n, err
	}
	if oobn != len(scm) {
		return n, io.ErrShortWrite
	}
	if n < len(bs) {
		// The files went out with the first chunk, finish the rest
		// as plain bytes.
		m, err := u.conn.Write(bs[n:])
		return n + m, err
	}
	return n, nil
}

func (u *unixTransport) TryWrite(bs []byte, fs []*os.File) (int, error) {
	var oob []byte
	if len(fs) > 0 {
		if !u.unixFDs {
			return 0, errors.New("file descriptor passing not negotiated")
		}
		oob = unix.UnixRights(fileDescriptors(fs)...)
	}

	var (
		n   int
		err error
	)
	werr := u.raw.Write(func(fd uintptr) bool {
		n, err = unix.SendmsgN(int(fd), bs, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		return true
	})
	if werr != nil {
		return 0, werr
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func fileDescriptors(fs []*os.File) []int {
	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	return fds
}

func (u *unixTransport) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	u.mu.Unlock()
	return u.conn.Close()
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fds.Len() < n {
		return nil, fmt.Errorf("requested %d files, only %d available", n, u.fds.Len())
	}
	ret := make([]*os.File, 0, n)
	for range n {
		f, _ := u.fds.Pop()
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Keep parsing on errors, so that every received descriptor ends
	// up owned by a File and gets closed.
	var errs []error
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			switch {
			case f == nil:
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			case u.closed:
				f.Close()
			default:
				u.fds.Add(f)
			}
		}
	}
	return errors.Join(errs...)
}
