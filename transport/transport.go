// Package transport defines the framed duplex connection consumed by the peer liveness layer and a generic
// implementation of it on top of any message oriented connection (websocket, length prefixed stream).
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/netbirdio/peerlink/messages"
)

var (
	// ErrNotReady is returned by TrySend when the outbound queue cannot take the frame right now. The frame was not
	// queued and the caller still owns it.
	ErrNotReady = errors.New("outbound queue is full")
	// ErrDestroyed is returned once the connection has been closed locally
	ErrDestroyed = errors.New("connection has been destroyed")
)

// Priority orders the outbound queue. Lower value is written first.
type Priority uint8

const (
	// PriorityHighest is used for control frames, e.g. heartbeats
	PriorityHighest Priority = 0
)

// FramedConn is an established, already authenticated duplex connection that exchanges frames
type FramedConn interface {
	// ReadFrame blocks until the next frame arrives. It returns io.EOF when the remote side closed the connection.
	ReadFrame() (messages.Frame, error)
	// TrySend queues the frame without blocking
	TrySend(priority Priority, frame messages.Frame) error
	// Flush waits until every queued frame has been written
	Flush(ctx context.Context) error
	RemoteAddr() net.Addr
	Close() error
}

// MsgConn is a message oriented connection. Every WriteMsg call is delivered as exactly one ReadMsg on the remote
// side.
type MsgConn interface {
	ReadMsg(ctx context.Context) ([]byte, error)
	WriteMsg(ctx context.Context, msg []byte) error
	RemoteAddr() net.Addr
	Close() error
}
