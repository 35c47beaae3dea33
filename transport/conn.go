package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/peerlink/messages"
)

// Options configures the outbound side of a Conn
type Options struct {
	// QueueCapacity limits the number of frames queued or being written. Zero means unbounded, in that case TrySend
	// never returns ErrNotReady.
	QueueCapacity int
}

// Conn implements FramedConn on top of a MsgConn. Outbound frames are queued by priority and written by a single
// writer goroutine, so TrySend never blocks on the network.
type Conn struct {
	log     *log.Entry
	msgConn MsgConn

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu            sync.Mutex
	queue         outQueue
	seq           uint64
	pending       int // queued plus in flight
	capacity      int
	closed        bool
	writeErr      error
	flushWaiters  []chan struct{}
	wakeup        chan struct{}
	writerStopped chan struct{}
}

// NewConn wraps the message connection and starts the writer goroutine
func NewConn(msgConn MsgConn, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:           log.WithField("remote", addrString(msgConn.RemoteAddr())),
		msgConn:       msgConn,
		ctx:           ctx,
		ctxCancel:     cancel,
		capacity:      opts.QueueCapacity,
		wakeup:        make(chan struct{}, 1),
		writerStopped: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ReadFrame reads and decodes the next frame. Decode failures are returned wrapped, the caller should treat them as
// fatal for the connection.
func (c *Conn) ReadFrame() (messages.Frame, error) {
	msg, err := c.msgConn.ReadMsg(c.ctx)
	if err != nil {
		if c.isClosed() {
			return messages.Frame{}, ErrDestroyed
		}
		if errors.Is(err, io.EOF) {
			return messages.Frame{}, io.EOF
		}
		return messages.Frame{}, err
	}

	f, err := messages.UnmarshalFrame(msg)
	if err != nil {
		return messages.Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}

// TrySend queues the frame for the writer goroutine
func (c *Conn) TrySend(priority Priority, frame messages.Frame) error {
	msg, err := messages.MarshalFrame(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrDestroyed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.capacity > 0 && c.pending >= c.capacity {
		return ErrNotReady
	}

	c.seq++
	c.queue.push(queueItem{priority: priority, seq: c.seq, msg: msg})
	c.pending++

	select {
	case c.wakeup <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until the queue is empty and the last frame has been handed to the network
func (c *Conn) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.writeErr != nil {
		c.mu.Unlock()
		return c.writeErr
	}
	if c.closed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.pending == 0 {
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	c.flushWaiters = append(c.flushWaiters, waiter)
	c.mu.Unlock()

	select {
	case <-waiter:
	case <-c.writerStopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.pending > 0 {
		return ErrDestroyed
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.msgConn.RemoteAddr()
}

// Close stops the writer and closes the underlying connection. Frames still in the queue are dropped.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.releaseWaiters()
	c.mu.Unlock()

	c.ctxCancel()
	return c.msgConn.Close()
}

func (c *Conn) writeLoop() {
	defer close(c.writerStopped)
	for {
		select {
		case <-c.wakeup:
		case <-c.ctx.Done():
			return
		}

		for {
			c.mu.Lock()
			if c.closed || c.queue.Len() == 0 {
				c.mu.Unlock()
				break
			}
			item := c.queue.pop()
			c.mu.Unlock()

			err := c.msgConn.WriteMsg(c.ctx, item.msg)

			c.mu.Lock()
			c.pending--
			if err != nil {
				if !c.closed {
					c.log.Debugf("failed to write message: %s", err)
					c.writeErr = err
				}
				c.releaseWaiters()
				c.mu.Unlock()
				return
			}
			if c.pending == 0 {
				c.releaseWaiters()
			}
			c.mu.Unlock()
		}
	}
}

// releaseWaiters wakes up every Flush call. Caller must hold c.mu.
func (c *Conn) releaseWaiters() {
	for _, w := range c.flushWaiters {
		close(w)
	}
	c.flushWaiters = nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
