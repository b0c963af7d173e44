package dbus

import (
	"context"
	"sync"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	acquired := MatchSignal(InterfaceBus, "NameAcquired").Sender(BusName).ArgStr(0, name)
	lost := MatchSignal(InterfaceBus, "NameLost").Sender(BusName).ArgStr(0, name)
	local := NewMatch().Type(MsgTypeSignal).Sender(BusName).Interface(InterfaceBus).ArgStr(0, name)
	w, err := c.watch(ctx, local, acquired, lost)
	if err != nil {
		return nil, err
	}

	ret := &Claim{
		c:           c,
		w:           w,
		owner:       make(chan bool, 1),
		name:        name,
		pumpStopped: make(chan struct{}),
	}
	go ret.pump()

	if err := ret.Request(ctx, opts); err != nil {
		ret.Close()
		return nil, err
	}
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner. It only takes effect at the
	// moment the request is made.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason. If ownership cannot be secured when the
	// Claim is created, creation fails with [ErrNameUnavailable].
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var ret NameRequestFlags
	if o.AllowReplacement {
		ret |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		ret |= NameRequestReplace
	}
	if o.NoQueue {
		ret |= NameRequestNoQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
type Claim struct {
	c     *Conn
	w     *Watcher
	owner chan bool
	name  string

	closeOnce   sync.Once
	pumpStopped chan struct{}
}

// Request makes a new request to the bus for the claimed name, with
// updated options.
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	_, err := c.c.RequestName(ctx, c.name, opts.flags())
	return err
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.w.Close()
		<-c.pumpStopped

		// One final send to report loss of ownership, before closing
		// the chan.
		c.send(false)
		close(c.owner)

		if c.c.Err() == nil {
			err = c.c.ReleaseName(context.Background(), c.name)
		}
	})
	return err
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name. Only the latest state is kept.
func (c *Claim) Chan() <-chan bool { return c.owner }

func (c *Claim) send(isOwner bool) {
	for {
		select {
		case c.owner <- isOwner:
			return
		default:
		}
		select {
		case <-c.owner:
		default:
		}
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	for n := range c.w.Chan() {
		switch n.Member {
		case "NameAcquired":
			c.send(true)
		case "NameLost":
			c.send(false)
		}
	}
}
