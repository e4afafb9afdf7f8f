// Package coordinator owns the single store connection and holds commands
// submitted before it opens.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/metrics"
	"github.com/trafflux/petdb/internal/store"
	"github.com/trafflux/petdb/options"
)

var ErrQueueTimeout = errors.New("timed out waiting for the store connection")
var ErrClosed = errors.New("coordinator closed")

const DefaultQueueTimeout = 30 * time.Second

// State of the connection. It only moves forward.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// OnOpen runs once on the fresh connection before any queued command.
type OnOpen func(ctx context.Context, st store.Store) error

type Option func(c *Coordinator)

func WithOnOpen(fn OnOpen) Option {
	return func(c *Coordinator) {
		c.onOpen = fn
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithQueueTimeout bounds how long a command waits for the connection. Zero disables the bound.
func WithQueueTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// Coordinator runs commands against one connection, opened lazily by the
// first submission. Commands submitted while connecting are queued and run
// in submission order once the connection opens; later commands run
// immediately in the submitting goroutine.
type Coordinator struct {
	connector  store.Connector
	dispatcher Dispatcher
	onOpen     OnOpen
	logger     *log.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration

	mu     sync.Mutex
	state  State
	st     store.Store
	queue  []*Ticket
	err    error
	closed bool
	cancel context.CancelFunc
	opened chan struct{}
}

func New(connector store.Connector, dispatcher Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		connector:  connector,
		dispatcher: dispatcher,
		logger:     log.Default(),
		timeout:    DefaultQueueTimeout,
		opened:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("component", "coordinator")

	return c
}

// Do submits cmd and waits for its result.
func (c *Coordinator) Do(ctx context.Context, cmd Command) (interface{}, error) {
	return c.Submit(ctx, cmd).Wait()
}

// Submit registers cmd to run exactly once with a live connection.
func (c *Coordinator) Submit(ctx context.Context, cmd Command) *Ticket {
	t := newTicket(ctx, cmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.claim()
		t.complete(nil, ErrClosed)
		return t
	}

	switch c.state {
	case Connected:
		st := c.st
		c.mu.Unlock()
		if t.claim() {
			c.execute(t, st)
		}
		return t
	case Disconnected:
		if cmd.Options.Above(options.DebugLow) {
			c.logger.Debug("store is starting up", "command", cmd.Kind)
		}
		c.setStateUnderLock(Connecting)
		connectCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.connect(connectCtx)
	case Connecting:
		if cmd.Options.Above(options.DebugLow) {
			c.logger.Debug("store is connecting", "command", cmd.Kind)
		}
	}

	c.queue = append(c.queue, t)
	c.metrics.Queued()
	c.metrics.SetQueueDepth(len(c.queue))
	c.mu.Unlock()

	go c.expire(t)

	return t
}

// State reports the connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending lists the kinds of queued commands in submission order.
func (c *Coordinator) Pending() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]Kind, 0, len(c.queue))
	for _, t := range c.queue {
		if !t.claimed() {
			kinds = append(kinds, t.cmd.Kind)
		}
	}
	return kinds
}

// Err returns the connection failure, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Opened is closed when the connection becomes ready.
func (c *Coordinator) Opened() <-chan struct{} {
	return c.opened
}

// Close fails every queued command with ErrClosed and closes the store.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	queue := c.queue
	c.queue = nil
	st := c.st
	if c.cancel != nil {
		c.cancel()
	}
	c.metrics.SetQueueDepth(0)
	c.mu.Unlock()

	for _, t := range queue {
		if t.claim() {
			t.complete(nil, ErrClosed)
		}
	}

	if st != nil {
		return st.Close(ctx)
	}

	return nil
}

func (c *Coordinator) connect(ctx context.Context) {
	st, err := c.connector.Connect(ctx)
	if err != nil {
		c.logger.Error("connection error", "err", err)
		c.mu.Lock()
		c.err = errors.Wrap(err, "could not connect to store")
		c.mu.Unlock()
		return
	}

	if c.onOpen != nil {
		if err := c.onOpen(ctx, st); err != nil {
			c.logger.Error("store initialization failed", "err", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := st.Close(context.Background()); err != nil {
			c.logger.Warn("could not close store opened after shutdown", "err", err)
		}
		return
	}
	c.st = st
	c.setStateUnderLock(Connected)
	queue := c.queue
	c.queue = nil
	c.metrics.SetQueueDepth(0)
	close(c.opened)
	c.mu.Unlock()

	c.logger.Debug("connected, draining queue", "queued", len(queue))

	for _, t := range queue {
		if t.claim() {
			c.execute(t, st)
		}
	}
}

func (c *Coordinator) execute(t *Ticket, st store.Store) {
	res, err := c.dispatcher.Dispatch(t.ctx, st, t.cmd)
	t.complete(res, err)
}

// expire completes a queued ticket when its context ends or the queue timeout passes first.
func (c *Coordinator) expire(t *Ticket) {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-t.done:
		return
	case <-t.ctx.Done():
		err = errors.Wrap(t.ctx.Err(), "gave up waiting for the store connection")
	case <-timeout:
		err = errors.Wrapf(ErrQueueTimeout, "%s after %s", t.cmd.Kind, c.timeout)
	}

	if !t.claim() {
		return
	}

	c.mu.Lock()
	for i := range c.queue {
		if c.queue[i] == t {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.metrics.SetQueueDepth(len(c.queue))
	c.mu.Unlock()

	c.metrics.QueueTimeout()
	c.logger.Warn("queued command expired", "command", t.cmd.Kind, "err", err)
	t.complete(nil, err)
}

func (c *Coordinator) setStateUnderLock(s State) {
	c.state = s
	c.metrics.SetState(int(s))
}
