package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
	"github.com/netbirdio/peerlink/transport/stream"
)

const (
	testSendPeriod       = 300 * time.Millisecond
	testInactivityPeriod = 900 * time.Millisecond
)

type fakeConn struct {
	sendErr   error
	flushErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(sendErr error) *fakeConn {
	return &fakeConn{sendErr: sendErr, closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (messages.Frame, error) {
	<-c.closed
	return messages.Frame{}, transport.ErrDestroyed
}

func (c *fakeConn) TrySend(transport.Priority, messages.Frame) error {
	return c.sendErr
}

func (c *fakeConn) Flush(context.Context) error {
	return c.flushErr
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// remoteFrames reads the raw remote side of the pipe in the background
func remoteFrames(t *testing.T, remote *stream.Conn) <-chan messages.Frame {
	t.Helper()
	frames := make(chan messages.Frame, 100)
	go func() {
		defer close(frames)
		for {
			msg, err := remote.ReadMsg(context.Background())
			if err != nil {
				return
			}
			f, err := messages.UnmarshalFrame(msg)
			if err != nil {
				return
			}
			frames <- f
		}
	}()
	return frames
}

func newPipePeer(t *testing.T, opts Options) (*Peer, *stream.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	p, err := New(stream.NewFramedConn(local, transport.Options{}), opts)
	require.NoError(t, err)

	remoteConn := stream.NewConn(remote)
	t.Cleanup(func() {
		_ = p.Close()
		_ = remoteConn.Close()
	})
	return p, remoteConn
}

func recvLoop(p *Peer) <-chan []byte {
	out := make(chan []byte, 100)
	go func() {
		defer close(out)
		for {
			payload, err := p.Recv(context.Background())
			if err != nil {
				return
			}
			out <- payload
		}
	}()
	return out
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: Options{}},
		{name: "test periods", opts: Options{SendPeriod: testSendPeriod, InactivityPeriod: testInactivityPeriod}},
		{name: "negative send period", opts: Options{SendPeriod: -time.Second}, wantErr: true},
		{name: "negative inactivity period", opts: Options{InactivityPeriod: -time.Second}, wantErr: true},
		{name: "inactivity equals send", opts: Options{SendPeriod: time.Second, InactivityPeriod: time.Second}, wantErr: true},
		{name: "inactivity below default send", opts: Options{InactivityPeriod: time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.withDefaults().validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPeer_HeartbeatTransparency(t *testing.T) {
	a, b := net.Pipe()
	opts := Options{SendPeriod: testSendPeriod, InactivityPeriod: testInactivityPeriod}

	peerA, err := New(stream.NewFramedConn(a, transport.Options{}), opts)
	require.NoError(t, err)
	defer peerA.Close()

	peerB, err := New(stream.NewFramedConn(b, transport.Options{}), opts)
	require.NoError(t, err)
	defer peerB.Close()

	payloadsA := recvLoop(peerA)
	payloadsB := recvLoop(peerB)

	// both sides stay silent longer than the inactivity period, only heartbeats keep them alive
	select {
	case payload, ok := <-payloadsB:
		if ok {
			t.Fatalf("unexpected payload: %q", payload)
		}
		t.Fatalf("peer B failed while heartbeats were exchanged")
	case <-payloadsA:
		t.Fatalf("peer A failed while heartbeats were exchanged")
	case <-time.After(2 * testInactivityPeriod):
	}

	require.NoError(t, peerA.Send(1, []byte("data1")))

	select {
	case payload := <-payloadsB:
		assert.Equal(t, []byte("data1"), payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("payload not received")
	}
}

func TestPeer_InactivityTimeout(t *testing.T) {
	start := time.Now()
	p, remote := newPipePeer(t, Options{SendPeriod: testSendPeriod, InactivityPeriod: testInactivityPeriod})
	_ = remoteFrames(t, remote)

	_, err := p.Recv(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrInactivityTimeout)
	assert.GreaterOrEqual(t, elapsed, testInactivityPeriod)
	assert.Less(t, elapsed, testInactivityPeriod+500*time.Millisecond)

	_, err = p.Recv(context.Background())
	assert.ErrorIs(t, err, ErrInactivityTimeout, "timeout must be terminal")
}

func TestPeer_EOF(t *testing.T) {
	p, remote := newPipePeer(t, Options{})

	go func() {
		msg, _ := messages.MarshalFrame(messages.Data([]byte("last")))
		_ = remote.WriteMsg(context.Background(), msg)
		_ = remote.Close()
	}()

	payload, err := p.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), payload)

	_, err = p.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	_, err = p.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPeer_DecodeErrorIsTerminal(t *testing.T) {
	p, remote := newPipePeer(t, Options{})

	go func() {
		_ = remote.WriteMsg(context.Background(), []byte{9, byte(messages.MsgTypeData), 'x'})
	}()

	_, err := p.Recv(context.Background())
	require.ErrorIs(t, err, messages.ErrUnsupportedVersion)

	_, err = p.Recv(context.Background())
	assert.ErrorIs(t, err, messages.ErrUnsupportedVersion)
}

func TestPeer_ContextCancelIsNotTerminal(t *testing.T) {
	p, remote := newPipePeer(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		msg, _ := messages.MarshalFrame(messages.Data([]byte("after")))
		_ = remote.WriteMsg(context.Background(), msg)
	}()

	payload, err := p.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), payload)
}

func TestPeer_Close(t *testing.T) {
	p, _ := newPipePeer(t, Options{})

	recvErr := make(chan error, 1)
	go func() {
		_, err := p.Recv(context.Background())
		recvErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, transport.ErrDestroyed)
	case <-time.After(2 * time.Second):
		t.Fatalf("Recv is not released by Close")
	}
}

func TestPeer_SendsHeartbeatWhenIdle(t *testing.T) {
	mock := clock.NewMock()
	p, remote := newPipePeer(t, Options{SendPeriod: time.Second, InactivityPeriod: 10 * time.Second, Clock: mock})
	frames := remoteFrames(t, remote)
	_ = recvLoop(p)

	for i := 0; i < 2; i++ {
		mock.Add(time.Second)
		select {
		case f := <-frames:
			assert.Equal(t, messages.MsgTypeHeartbeat, f.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d not received", i)
		}
		// let the recv loop re-arm the timer before the clock moves again
		time.Sleep(50 * time.Millisecond)
	}
}

func TestPeer_SendSuppressesHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	p, remote := newPipePeer(t, Options{SendPeriod: time.Second, InactivityPeriod: 10 * time.Second, Clock: mock})
	frames := remoteFrames(t, remote)
	_ = recvLoop(p)

	mock.Add(500 * time.Millisecond)
	require.NoError(t, p.Send(1, []byte("data")))

	select {
	case f := <-frames:
		assert.True(t, f.IsData())
	case <-time.After(2 * time.Second):
		t.Fatalf("data not received")
	}

	// the period since the data frame has not passed yet
	mock.Add(500 * time.Millisecond)
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame: %s", f)
	case <-time.After(200 * time.Millisecond):
	}

	mock.Add(500 * time.Millisecond)
	select {
	case f := <-frames:
		assert.Equal(t, messages.MsgTypeHeartbeat, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat not received")
	}
}

func TestPeer_SendNotReady(t *testing.T) {
	mock := clock.NewMock()
	conn := newFakeConn(transport.ErrNotReady)
	p, err := New(conn, Options{Clock: mock})
	require.NoError(t, err)
	defer p.Close()

	mock.Add(time.Second)
	err = p.Send(1, []byte("data"))
	assert.True(t, errors.Is(err, transport.ErrNotReady))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.lastSend.Equal(time.Unix(0, 0)), "failed send must not count as activity")
}

func TestPeer_NotReadyForControlFramePanics(t *testing.T) {
	p, err := New(newFakeConn(transport.ErrNotReady), Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.Panics(t, func() {
		_ = p.startSend(transport.PriorityHighest, messages.Heartbeat())
	})
}

func TestPeer_SendPassesErrors(t *testing.T) {
	p, err := New(newFakeConn(transport.ErrDestroyed), Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Send(1, []byte("data")), transport.ErrDestroyed)
}

func TestPeer_FlushPassesErrors(t *testing.T) {
	conn := newFakeConn(nil)
	conn.flushErr = io.ErrClosedPipe
	p, err := New(conn, Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Flush(context.Background()), io.ErrClosedPipe)
}

func TestPeer_FlushAfterClose(t *testing.T) {
	p, _ := newPipePeer(t, Options{})
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Flush(context.Background()), transport.ErrDestroyed)
}

func TestPeer_IP(t *testing.T) {
	p, err := New(newFakeConn(nil), Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), p.IP())
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), p.AddrPort())
}
