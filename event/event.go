// Package event defines the notifications the connection registry delivers to the application
package event

import (
	"errors"
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/messages"
)

var (
	ErrSinkFull   = errors.New("event sink is full")
	ErrSinkClosed = errors.New("event sink is closed")
)

// Event is either a NewMessage or a LostPeer
type Event interface {
	fmt.Stringer
	event()
}

// NewMessage carries one payload received from a peer
type NewMessage struct {
	Peer    wgtypes.Key
	Kind    messages.PeerKind
	Payload []byte
}

func (NewMessage) event() {}

func (e NewMessage) String() string {
	return fmt.Sprintf("new message from %s %s (%d bytes)", e.Kind, e.Peer, len(e.Payload))
}

// LostPeer is delivered exactly once for every registered connection when it goes away
type LostPeer struct {
	Peer wgtypes.Key
}

func (LostPeer) event() {}

func (e LostPeer) String() string {
	return fmt.Sprintf("lost peer %s", e.Peer)
}

// Sender accepts events without blocking
type Sender interface {
	Send(e Event) error
}

// ChannelSender delivers events into a buffered channel
type ChannelSender struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewChannel returns the sender and the receiving side of a channel with the given buffer size
func NewChannel(size int) (*ChannelSender, <-chan Event) {
	ch := make(chan Event, size)
	return &ChannelSender{ch: ch}, ch
}

func (s *ChannelSender) Send(e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- e:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close closes the channel. Later Send calls fail with ErrSinkClosed.
func (s *ChannelSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
