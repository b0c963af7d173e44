package transport

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// AuthState is the state of a client authentication handshake.
type AuthState int

const (
	// AuthWaitingForOK is the initial state, waiting for the server
	// to accept AUTH EXTERNAL.
	AuthWaitingForOK AuthState = iota
	// AuthWaitingForAgreeUnixFD is waiting for the server to answer
	// NEGOTIATE_UNIX_FD.
	AuthWaitingForAgreeUnixFD
	// AuthBegin means the handshake is complete. Subsequent bytes on
	// the stream are DBus messages.
	AuthBegin
	// AuthFailed means the handshake failed. It is a terminal state.
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthWaitingForOK:
		return "WaitingForOK"
	case AuthWaitingForAgreeUnixFD:
		return "WaitingForAgreeUnixFD"
	case AuthBegin:
		return "Begin"
	case AuthFailed:
		return "Error"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// maxAuthLine is the longest server line the handshake accepts.
const maxAuthLine = 16 << 10

// AuthError is the error returned when an authentication handshake
// fails.
type AuthError struct {
	// State is the handshake state in which the failure happened.
	State AuthState
	// Line is the offending line from the server, if any.
	Line string
	// Reason describes the failure.
	Reason string
}

func (e *AuthError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("dbus auth failed in state %s: %s (server said %q)", e.State, e.Reason, e.Line)
	}
	return fmt.Sprintf("dbus auth failed in state %s: %s", e.State, e.Reason)
}

// Auth is the client side of the DBus SASL handshake, using the
// EXTERNAL mechanism.
//
// Auth is a pure state machine: it consumes server lines and
// produces the bytes to send in response, and does no I/O itself.
// [Authenticate] drives it over a blocking stream, and [Auth.Feed]
// drives it from a buffer of incoming bytes.
type Auth struct {
	state      AuthState
	negotiate  bool
	unixFDs    bool
}

// NewAuth returns a handshake for the given uid, and the bytes that
// must be sent to the server to start it. If negotiateFDs is true,
// the handshake asks the server for file descriptor passing.
func NewAuth(uid int, negotiateFDs bool) (*Auth, []byte) {
	uidHex := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	a := &Auth{
		state:     AuthWaitingForOK,
		negotiate: negotiateFDs,
	}
	return a, []byte("\x00AUTH EXTERNAL " + uidHex + "\r\n")
}

// State returns the current handshake state.
func (a *Auth) State() AuthState { return a.state }

// UnixFDs reports whether file descriptor passing was agreed. It is
// only meaningful once the state is [AuthBegin].
func (a *Auth) UnixFDs() bool { return a.unixFDs }

// Done reports whether the handshake completed successfully.
func (a *Auth) Done() bool { return a.state == AuthBegin }

func (a *Auth) fail(line, reason string) error {
	err := &AuthError{State: a.state, Line: line, Reason: reason}
	a.state = AuthFailed
	return err
}

// Handle processes one line received from the server, including its
// CRLF terminator, and returns the bytes to send in response.
func (a *Auth) Handle(line []byte) (reply []byte, err error) {
	if a.state == AuthBegin || a.state == AuthFailed {
		prev := a.state
		a.state = AuthFailed
		return nil, &AuthError{State: prev, Line: string(line), Reason: "unexpected line after handshake ended"}
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return nil, a.fail(string(line), "line not terminated by CRLF")
	}
	cmd := string(bytes.TrimSpace(line))

	switch a.state {
	case AuthWaitingForOK:
		if cmd != "OK" && !hasWord(cmd, "OK") {
			return nil, a.fail(cmd, "server rejected AUTH EXTERNAL")
		}
		if !a.negotiate {
			a.state = AuthBegin
			return []byte("BEGIN\r\n"), nil
		}
		a.state = AuthWaitingForAgreeUnixFD
		return []byte("NEGOTIATE_UNIX_FD\r\n"), nil
	case AuthWaitingForAgreeUnixFD:
		switch {
		case cmd == "AGREE_UNIX_FD":
			a.state = AuthBegin
			a.unixFDs = true
			return []byte("BEGIN\r\n"), nil
		case cmd == "ERROR" || hasWord(cmd, "ERROR"):
			a.state = AuthBegin
			a.unixFDs = false
			return []byte("BEGIN\r\n"), nil
		default:
			return nil, a.fail(cmd, "unexpected reply to NEGOTIATE_UNIX_FD")
		}
	}
	return nil, a.fail(cmd, "invalid handshake state")
}

// hasWord reports whether s is word followed by a space and
// arguments.
func hasWord(s, word string) bool {
	return len(s) > len(word) && s[:len(word)] == word && s[len(word)] == ' '
}

// Feed processes the first complete line in buf, if any. It returns
// the number of bytes of buf consumed, and the bytes to send to the
// server. consumed is zero if buf does not yet contain a full line.
//
// Once the handshake reaches [AuthBegin], the rest of buf belongs to
// the DBus message stream and is not consumed.
func (a *Auth) Feed(buf []byte) (consumed int, reply []byte, err error) {
	if a.state == AuthBegin {
		return 0, nil, nil
	}
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > maxAuthLine {
			return 0, nil, a.fail("", "line too long")
		}
		return 0, nil, nil
	}
	line := buf[:idx+1]
	reply, err = a.Handle(line)
	if err != nil {
		return 0, nil, err
	}
	return len(line), reply, nil
}

// Authenticate runs the handshake over a blocking stream, and reports
// whether file descriptor passing was agreed.
//
// r must not read ahead past the end of the handshake. Use
// [Auth.Feed] to drive the handshake from a buffer that may contain
// message bytes after the server's last line.
func Authenticate(r *bufio.Reader, w io.Writer, uid int, negotiateFDs bool) (bool, error) {
	a, out := NewAuth(uid, negotiateFDs)
	if _, err := w.Write(out); err != nil {
		return false, err
	}
	for !a.Done() {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return false, a.fail("", "line too long")
		} else if err != nil {
			return false, err
		}
		reply, err := a.Handle(line)
		if err != nil {
			return false, err
		}
		if _, err := w.Write(reply); err != nil {
			return false, err
		}
	}
	return a.UnixFDs(), nil
}
