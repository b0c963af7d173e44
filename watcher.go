package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch delivers messages that match m, typically signals from other
// bus participants.
//
// On a bus connection, Watch also asks the bus to route matching
// messages to this connection. Matches are tried in the order they
// were registered, and only the first matching Watcher receives a
// message.
func (c *Conn) Watch(ctx context.Context, m *Match) (*Watcher, error) {
	return c.watch(ctx, m, m)
}

// watch returns a Watcher for the local match m, after adding
// busRules to the bus. The bus rules are removed when the Watcher
// closes.
func (c *Conn) watch(ctx context.Context, m *Match, busRules ...*Match) (*Watcher, error) {
	if c.localName == "" {
		busRules = nil
	}
	for i, r := range busRules {
		if err := c.AddMatch(ctx, r); err != nil {
			for _, added := range busRules[:i] {
				c.RemoveMatch(ctx, added)
			}
			return nil, err
		}
	}
	w := &Watcher{
		conn:        c,
		busRules:    busRules,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	w.token = c.d.AddMatch(m, w.deliver)
	go w.pump()
	go func() {
		select {
		case <-c.Done():
			w.Close()
		case <-w.pumpStopped:
		}
	}()
	return w, nil
}

// A Watcher delivers messages received from the bus that match its
// filter.
type Watcher struct {
	conn     *Conn
	busRules []*Match
	token    MatchToken
	signals  chan *Notification
	wakePump chan struct{}

	closeOnce   sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu    sync.Mutex
	queue queue.Queue[*Notification]
}

// Notification is a message delivered by a [Watcher].
type Notification struct {
	*Message
	// Overflow reports that the watcher discarded some notifications
	// that followed this one, due to the caller not processing
	// delivered notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher, and closes its channel.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.conn.d.RemoveMatch(w.token)
		for _, r := range w.busRules {
			if w.conn.Err() != nil {
				break
			}
			// Fire and forget, Close may run on the delivery path
			// where waiting for a reply would deadlock.
			msg := NewMethodCall(BusName, BusPath, InterfaceBus, "RemoveMatch", String(r.String()))
			msg.Flags |= FlagNoReplyExpected
			w.conn.Send(msg)
		}
		close(w.stopPump)
		<-w.pumpStopped

		w.mu.Lock()
		defer w.mu.Unlock()
		w.queue.Clear()
	})
}

// Chan returns the channel on which notifications are delivered.
//
// The caller must drain this channel promptly, to avoid overflowing
// the Watcher's receive queue and losing notifications. Missing
// notifications are indicated by the Overflow field of the
// [Notification] that immediately precedes the discarded ones.
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// deliver is the match callback. It never blocks.
func (w *Watcher) deliver(msg *Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopPump:
		return false
	default:
	}

	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return true
	}
	w.queue.Add(&Notification{Message: msg})
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
	return true
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		n := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if n == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- n:
		case <-w.stopPump:
			return
		}
	}
}
