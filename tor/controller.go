package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsguard/vanguards/queue"
	"github.com/hsguard/vanguards/secret"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultControlPort is the default port Tor listens on for control
	// connections.
	DefaultControlPort = 9051

	// DefaultControlSocket is the control socket path used by the Debian
	// packaging of Tor.
	DefaultControlSocket = "/run/tor/control"

	// DefaultEventQueueSize is the default number of events buffered
	// between the reader and the consumer.
	DefaultEventQueueSize = 1000

	// defaultDialTimeout bounds how long connecting may take.
	defaultDialTimeout = 10 * time.Second

	// earlyDropFraction is the queue occupancy above which non-critical
	// events start to be dropped at random.
	earlyDropFraction = 0.8
)

// Config describes how to reach and authenticate to Tor's control port.
type Config struct {
	// Network is "tcp" or "unix".
	Network string

	// Address is host:port for tcp, or the socket path for unix.
	Address string

	// Password is used for HASHEDPASSWORD authentication when set. The
	// controller closes it once authentication has been attempted.
	Password *secret.Buffer

	// EventQueueSize bounds the number of buffered events. Defaults to
	// DefaultEventQueueSize.
	EventQueueSize int

	// DialTimeout bounds connection setup. Defaults to ten seconds.
	DialTimeout time.Duration
}

// Controller is a client for Tor's control protocol. A single reader
// goroutine owns the read side of the connection and splits it into command
// replies, which are handed to the one outstanding SendCommand call, and
// asynchronous events, which go into a bounded queue drained by NextEvent.
type Controller struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg *Config

	// conn is the underlying connection between the controller and the
	// Tor server.
	conn *textproto.Conn

	// reqMtx serializes commands so only one is in flight.
	reqMtx sync.Mutex

	// replies carries command replies from the reader.
	replies chan *Reply

	// events buffers asynchronous events from the reader.
	events *queue.BackpressureQueue[Event]

	// readerDone is closed once the reader has stopped; readErr holds
	// the reason and must only be read after readerDone is closed.
	readerDone chan struct{}
	readErr    error
	failOnce   sync.Once

	gm *fn.GoroutineManager

	// version is the Tor version reported during PROTOCOLINFO.
	version string
}

// NewController returns a new Tor controller that will connect to the
// configured control endpoint once started.
func NewController(cfg *Config) *Controller {
	size := cfg.EventQueueSize
	if size <= 0 {
		size = DefaultEventQueueSize
	}

	earlyDrop := int(float64(size) * earlyDropFraction)
	pred := queue.ExemptCritical(
		size, isCritical, queue.RandomEarlyDrop[Event](earlyDrop, size),
	)

	return &Controller{
		cfg:        cfg,
		replies:    make(chan *Reply, 1),
		events:     queue.NewBackpressureQueue[Event](size, pred),
		readerDone: make(chan struct{}),
		gm:         fn.NewGoroutineManager(),
	}
}

// Start connects to Tor, starts the reader and authenticates.
func (c *Controller) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	log.Infof("Starting tor controller on %s %s", c.cfg.Network,
		c.cfg.Address)

	timeout := c.cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}

	netConn, err := dialer.DialContext(ctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		c.closePassword()
		return &ChannelError{Op: "dial", Err: err}
	}
	c.conn = textproto.NewConn(netConn)

	started := c.gm.Go(context.Background(), c.readLoop)
	if !started {
		_ = c.conn.Close()
		c.closePassword()

		return errTCStopped
	}

	if err := c.authenticate(ctx); err != nil {
		_ = c.Stop()
		return err
	}

	return nil
}

// Stop closes the connection and waits for the reader to exit.
func (c *Controller) Stop() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return errTCNotStarted
	}
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	log.Info("Stopping tor controller")

	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.gm.Stop()
	c.closePassword()

	return err
}

// Version returns the Tor version reported during authentication.
func (c *Controller) Version() string {
	return c.version
}

// DroppedEvents returns how many events were dropped because the consumer
// fell behind.
func (c *Controller) DroppedEvents() uint64 {
	return c.events.Dropped()
}

// Done is closed once the connection has failed or been stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.readerDone
}

// Err returns the reason the reader stopped. It is only valid once Done is
// closed.
func (c *Controller) Err() error {
	select {
	case <-c.readerDone:
		return c.readErr
	default:
		return nil
	}
}

// closePassword releases the password buffer, if any.
func (c *Controller) closePassword() {
	if c.cfg.Password == nil {
		return
	}

	if err := c.cfg.Password.Close(); err != nil {
		log.Warnf("Unable to release password buffer: %v", err)
	}
}

// fail records the reader's terminal error and wakes every waiter.
func (c *Controller) fail(err error) {
	c.failOnce.Do(func() {
		c.readErr = err
		close(c.readerDone)
	})
}

// readLoop reads replies until the connection fails. Events are queued,
// anything else is passed to the waiting SendCommand.
func (c *Controller) readLoop(ctx context.Context) {
	for {
		reply, err := c.readReply()
		if err != nil {
			if errors.Is(err, io.EOF) ||
				errors.Is(err, net.ErrClosed) {

				err = errConnClosed
			}
			c.fail(&ChannelError{Op: "read", Err: err})

			return
		}

		if reply.Code != asyncEvent {
			select {
			case c.replies <- reply:
			case <-ctx.Done():
				c.fail(&ChannelError{Op: "read", Err: errConnClosed})
				return
			}

			continue
		}

		ev, err := ParseEvent(reply)
		if err != nil {
			log.Warnf("Ignoring unparseable event %q: %v",
				reply.String(), err)
			continue
		}

		err = c.events.Enqueue(ctx, ev)
		switch {
		case errors.Is(err, queue.ErrQueueFullAndDropped):
			log.Warnf("Event queue full, dropped %v event (%d "+
				"dropped so far)", ev.Type(), c.events.Dropped())

		case err != nil:
			c.fail(&ChannelError{Op: "read", Err: errConnClosed})
			return
		}
	}
}

// SendCommand sends a command to Tor and waits for its reply. Only one
// command is in flight at a time. A non-2xx reply is returned together with
// a *ReplyError.
func (c *Controller) SendCommand(ctx context.Context,
	cmd string) (*Reply, error) {

	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()

	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	log.Tracef("Sending command: %v", cmd)
	if err := c.conn.PrintfLine("%s", cmd); err != nil {
		return nil, &ChannelError{Op: "write", Err: err}
	}

	return c.awaitReply(ctx)
}

// sendSecretCommand sends prefix followed by the hex encoding of the
// secret, without building the command as a string.
func (c *Controller) sendSecretCommand(ctx context.Context, prefix string,
	buf *secret.Buffer) (*Reply, error) {

	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()

	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	log.Tracef("Sending command: %v<redacted>", prefix)
	err := buf.Use(func(b []byte) error {
		encoded := make([]byte, len(b)*2)
		defer clear(encoded)

		const hextable = "0123456789abcdef"
		for i, v := range b {
			encoded[i*2] = hextable[v>>4]
			encoded[i*2+1] = hextable[v&0x0f]
		}

		if _, err := c.conn.W.WriteString(prefix); err != nil {
			return err
		}
		if _, err := c.conn.W.Write(encoded); err != nil {
			return err
		}
		if _, err := c.conn.W.WriteString("\r\n"); err != nil {
			return err
		}

		return c.conn.W.Flush()
	})
	if err != nil {
		return nil, &ChannelError{Op: "write", Err: err}
	}

	return c.awaitReply(ctx)
}

// checkUsable returns an error if the controller cannot send commands.
func (c *Controller) checkUsable() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return errTCNotStarted
	}
	if atomic.LoadInt32(&c.stopped) == 1 {
		return errTCStopped
	}

	select {
	case <-c.readerDone:
		return c.readErr
	default:
		return nil
	}
}

// awaitReply waits for the reply to the command just written.
func (c *Controller) awaitReply(ctx context.Context) (*Reply, error) {
	select {
	case reply := <-c.replies:
		if !reply.IsOK() {
			return reply, &ReplyError{
				Code: reply.Code, Text: reply.Final(),
			}
		}

		return reply, nil

	case <-c.readerDone:
		return nil, c.readErr

	// The reply will still arrive and would be handed to the next
	// command, so an abandoned command poisons the connection.
	case <-ctx.Done():
		c.fail(&ChannelError{Op: "read", Err: ctx.Err()})
		_ = c.conn.Close()

		return nil, ctx.Err()
	}
}

// NextEvent blocks until an event is available, ctx is done, or the
// connection fails. Buffered events are still returned after a failure.
func (c *Controller) NextEvent(ctx context.Context) (Event, error) {
	if ev, ok := c.tryEvent(); ok {
		return ev, nil
	}

	select {
	case ev := <-c.events.Out():
		return ev, nil

	case <-c.readerDone:
		if ev, ok := c.tryEvent(); ok {
			return ev, nil
		}

		return nil, c.readErr

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tryEvent returns a buffered event if there is one.
func (c *Controller) tryEvent() (Event, bool) {
	ev := c.events.TryDequeue()
	if ev.IsNone() {
		return nil, false
	}

	return ev.UnwrapOr(nil), true
}

// Events returns the receive side of the event queue.
func (c *Controller) Events() <-chan Event {
	return c.events.Out()
}

// String returns a short description of the control endpoint.
func (c *Controller) String() string {
	return fmt.Sprintf("%s:%s", c.cfg.Network, c.cfg.Address)
}
