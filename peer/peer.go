// Package peer keeps an established connection alive. It hides heartbeat frames from the caller, sends them when the
// local side is idle and fails the connection when the remote side stays silent for too long.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
)

type readResult struct {
	frame messages.Frame
	err   error
}

// Peer is a payload only duplex connection on top of a transport.FramedConn.
// Recv must be called continuously, the heartbeats are sent from the Recv loop.
type Peer struct {
	log              *log.Entry
	conn             transport.FramedConn
	clock            clock.Clock
	sendPeriod       time.Duration
	inactivityPeriod time.Duration

	mu       sync.Mutex
	lastSend time.Time

	recvMu    sync.Mutex
	sendTimer *deadline
	recvTimer *deadline
	pending   *readResult
	termErr   error

	inbound   chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

// New takes over the connection and starts reading from it
func New(conn transport.FramedConn, opts Options) (*Peer, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	now := opts.Clock.Now()
	p := &Peer{
		log:              log.WithField("remote", remoteString(conn.RemoteAddr())),
		conn:             conn,
		clock:            opts.Clock,
		sendPeriod:       opts.SendPeriod,
		inactivityPeriod: opts.InactivityPeriod,
		lastSend:         now,
		sendTimer:        newDeadline(opts.Clock, now.Add(opts.SendPeriod)),
		recvTimer:        newDeadline(opts.Clock, now.Add(opts.InactivityPeriod)),
		inbound:          make(chan readResult),
		done:             make(chan struct{}),
	}

	go p.readLoop()
	return p, nil
}

// Recv returns the next data payload. Errors other than the cancellation of ctx are terminal: io.EOF when the remote
// side closed the connection, ErrInactivityTimeout, or the error of the underlying connection.
func (p *Peer) Recv(ctx context.Context) ([]byte, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	if p.termErr != nil {
		return nil, p.termErr
	}

	for {
		now := p.clock.Now()
		p.sendHeartbeats(now)

		if r, ok := p.takeFrame(); ok {
			if r.err != nil {
				return nil, p.fail(r.err)
			}

			p.recvTimer.reset(now.Add(p.inactivityPeriod))
			if r.frame.IsData() {
				return r.frame.Payload, nil
			}
			continue
		}

		if p.recvTimer.elapsedAt(now) {
			p.log.Debugf("no frame received for %s", p.inactivityPeriod)
			return nil, p.fail(fmt.Errorf("%w: no frame in %s", ErrInactivityTimeout, p.inactivityPeriod))
		}

		select {
		case r := <-p.inbound:
			p.pending = &r
		case <-p.sendTimer.C():
		case <-p.recvTimer.C():
		case <-p.done:
			return nil, p.fail(transport.ErrDestroyed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send queues the payload. On transport.ErrNotReady the payload was not taken and the caller may retry later.
func (p *Peer) Send(priority transport.Priority, payload []byte) error {
	return p.startSend(priority, messages.Data(payload))
}

// Flush waits until the queued frames have been written
func (p *Peer) Flush(ctx context.Context) error {
	return p.conn.Flush(ctx)
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// AddrPort returns the remote address, or the zero value if the transport does not have an IP address
func (p *Peer) AddrPort() netip.AddrPort {
	addr := p.conn.RemoteAddr()
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (p *Peer) IP() netip.Addr {
	return p.AddrPort().Addr()
}

// Close closes the underlying connection. A blocked Recv returns transport.ErrDestroyed.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func (p *Peer) startSend(priority transport.Priority, frame messages.Frame) error {
	err := p.conn.TrySend(priority, frame)
	if err == nil {
		p.mu.Lock()
		p.lastSend = p.clock.Now()
		p.mu.Unlock()
		return nil
	}

	if errors.Is(err, transport.ErrNotReady) && !frame.IsData() {
		panic(fmt.Sprintf("connection is not ready for %s", frame))
	}
	return err
}

func (p *Peer) sendHeartbeats(now time.Time) {
	for p.sendTimer.elapsedAt(now) {
		p.mu.Lock()
		lastSend := p.lastSend
		p.mu.Unlock()

		p.sendTimer.reset(lastSend.Add(p.sendPeriod))
		if now.Sub(lastSend) < p.sendPeriod {
			continue
		}

		if err := p.conn.TrySend(transport.PriorityHighest, messages.Heartbeat()); err != nil {
			p.log.Tracef("failed to send heartbeat: %s", err)
		}

		p.mu.Lock()
		p.lastSend = now
		p.mu.Unlock()
		p.sendTimer.reset(now.Add(p.sendPeriod))
	}
}

func (p *Peer) takeFrame() (readResult, bool) {
	if p.pending != nil {
		r := *p.pending
		p.pending = nil
		return r, true
	}

	select {
	case r := <-p.inbound:
		return r, true
	default:
		return readResult{}, false
	}
}

func (p *Peer) fail(err error) error {
	p.termErr = err
	p.sendTimer.stop()
	p.recvTimer.stop()
	return err
}

func (p *Peer) readLoop() {
	for {
		frame, err := p.conn.ReadFrame()
		if err != nil && !errors.Is(err, io.EOF) {
			p.log.Debugf("failed to read frame: %s", err)
		}

		select {
		case p.inbound <- readResult{frame: frame, err: err}:
		case <-p.done:
			return
		}

		if err != nil {
			return
		}
	}
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
