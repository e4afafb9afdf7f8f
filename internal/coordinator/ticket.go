package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	ticketQueued int32 = iota
	ticketClaimed
)

// Ticket tracks one submitted command until it completes.
type Ticket struct {
	ctx   context.Context
	cmd   Command
	state int32
	once  sync.Once
	done  chan struct{}

	result interface{}
	err    error
}

func newTicket(ctx context.Context, cmd Command) *Ticket {
	return &Ticket{ctx: ctx, cmd: cmd, done: make(chan struct{})}
}

// Done is closed once the command has completed and its callback returned.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the command completes.
func (t *Ticket) Wait() (interface{}, error) {
	<-t.done
	return t.result, t.err
}

// claim hands the ticket to exactly one of the executor, the expiry or Close.
func (t *Ticket) claim() bool {
	return atomic.CompareAndSwapInt32(&t.state, ticketQueued, ticketClaimed)
}

func (t *Ticket) claimed() bool {
	return atomic.LoadInt32(&t.state) == ticketClaimed
}

func (t *Ticket) complete(result interface{}, err error) {
	t.once.Do(func() {
		t.result, t.err = result, err
		if t.cmd.Options != nil && t.cmd.Options.Complete != nil {
			t.cmd.Options.Complete(result, err)
		}
		close(t.done)
	})
}
