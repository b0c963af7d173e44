package dbus

import "context"

// A Sender sends messages on a connection.
type Sender interface {
	// Send queues msg for sending, and returns the serial assigned to
	// it.
	Send(msg *Message) (uint32, error)
	// Done is closed when the connection shuts down. Messages sent
	// after that are discarded.
	Done() <-chan struct{}
}

type senderContextKey struct{}

// WithSender returns a copy of ctx that carries s.
func WithSender(ctx context.Context, s Sender) context.Context {
	return context.WithValue(ctx, senderContextKey{}, s)
}

// ContextSender returns the Sender that delivered the message being
// handled in ctx.
func ContextSender(ctx context.Context) (Sender, bool) {
	ret, ok := ctx.Value(senderContextKey{}).(Sender)
	return ret, ok
}
