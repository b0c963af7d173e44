// Package dbustest provides a helper to run an isolated bus
// instance in tests.
package dbustest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danderson/dbus/v2"
	"github.com/rs/zerolog"
)

// busConfig is a minimal session bus configuration that lets any
// local client own any name and send any message.
const busConfig = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <keep_umask/>
  <listen>unix:path=%s</listen>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
    <allow user="*"/>
  </policy>
</busconfig>
`

const startTimeout = 10 * time.Second

// Available reports whether the required binaries are available for
// testing against a real DBus server.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is an isolated DBus instance for tests.
type Bus struct {
	sock   string
	daemon *child
	mon    *child
}

// New launches a DBus instance dedicated to the calling test. The
// instance is shut down when the test ends.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	ret := &Bus{sock: filepath.Join(tmp, "bus.sock")}

	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(busConfig, ret.sock)), 0600); err != nil {
		t.Fatalf("writing bus config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	daemon := exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	var err error
	if ret.daemon, err = startChild(daemon); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(func() { ret.daemon.stop(t) })
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		lw := newLogWriter(t)
		mon := exec.Command("dbus-monitor", "--address", ret.Address())
		mon.Stdout = lw
		mon.Stderr = lw
		if ret.mon, err = startChild(mon); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		// Registered after the daemon's cleanup, so runs first.
		t.Cleanup(func() {
			ret.mon.stop(t)
			lw.Flush()
		})
		if err := lw.waitForFirstMessage(ctx); err != nil {
			t.Fatalf("waiting for monitor: %v", err)
		}
	}

	return ret
}

func waitForSocket(ctx context.Context, path string) error {
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// child is a helper process that must outlive the test that started
// it.
type child struct {
	cmd      *exec.Cmd
	stopping chan struct{}
	stopped  chan struct{}
}

func startChild(cmd *exec.Cmd) (*child, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	ret := &child{
		cmd:      cmd,
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go func() {
		defer close(ret.stopped)
		err := cmd.Wait()
		select {
		case <-ret.stopping:
		default:
			panic(fmt.Errorf("%s stopped prematurely: %w", filepath.Base(cmd.Path), err))
		}
	}()
	return ret, nil
}

func (c *child) stop(t *testing.T) {
	close(c.stopping)
	c.cmd.Process.Kill()
	select {
	case <-c.stopped:
	case <-time.After(startTimeout):
		t.Logf("timed out waiting for %s to stop", filepath.Base(c.cmd.Path))
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus's DBus address string.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus, which is closed when the
// test ends. It causes an immediate test failure with t.Fatal if it
// is unable to connect.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Str("component", "dbus").Logger()
	ret, err := dbus.Dial(ctx, b.Address(), dbus.WithLogger(logger))
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

var monitorPrefixes = [][]byte{[]byte("method "), []byte("signal "), []byte("error ")}

// logWriter collects dbus-monitor output, and logs it to t one bus
// message at a time.
type logWriter struct {
	t *testing.T

	mu    sync.Mutex
	buf   bytes.Buffer
	first chan struct{}
	seen  bool
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		t:     t,
		first: make(chan struct{}),
	}
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(bs)
	l.logComplete()
	return len(bs), nil
}

// Flush logs any buffered partial output.
func (l *logWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logComplete()
	if l.buf.Len() > 0 {
		l.t.Log(l.buf.String())
		l.buf.Reset()
	}
}

// logComplete logs every buffered message that is followed by the
// start of another message.
func (l *logWriter) logComplete() {
	for {
		end := l.messageEnd(l.buf.Bytes())
		if end < 0 {
			return
		}
		l.t.Log(string(l.buf.Next(end)))
		l.buf.Next(1) // newline
		if !l.seen {
			l.seen = true
			close(l.first)
		}
	}
}

// messageEnd returns the offset of the newline that terminates the
// first message in bs, or -1 if the message may not be complete.
func (l *logWriter) messageEnd(bs []byte) int {
	off := 0
	for {
		i := bytes.IndexByte(bs[off:], '\n')
		if i < 0 {
			return -1
		}
		off += i + 1
		for _, p := range monitorPrefixes {
			if bytes.HasPrefix(bs[off:], p) {
				return off - 1
			}
		}
	}
}

func (l *logWriter) waitForFirstMessage(ctx context.Context) error {
	select {
	case <-l.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
