// Package stream frames messages over a byte stream (TCP, net.Pipe) with a 4 byte big-endian length prefix.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
)

const sizeOfLength = 4

type remoteAddresser interface {
	RemoteAddr() net.Addr
}

// Conn is a transport.MsgConn over an io.ReadWriteCloser.
// ReadMsg does not observe the context: a pending read is released by Close.
type Conn struct {
	rwc  io.ReadWriteCloser
	addr net.Addr

	readMu  sync.Mutex
	writeMu sync.Mutex
	lenBuf  [sizeOfLength]byte
}

// NewConn wraps a byte stream. The remote address is taken from the stream if it exposes one.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{rwc: rwc}
	if ra, ok := rwc.(remoteAddresser); ok {
		c.addr = ra.RemoteAddr()
	}
	return c
}

// NewFramedConn is a shorthand for a transport.Conn on top of a length prefixed stream
func NewFramedConn(rwc io.ReadWriteCloser, opts transport.Options) *transport.Conn {
	return transport.NewConn(NewConn(rwc), opts)
}

func (c *Conn) ReadMsg(_ context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if _, err := io.ReadFull(c.rwc, c.lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(c.lenBuf[:])
	if size > messages.MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes: %w", size, messages.ErrInvalidMessageLength)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(c.rwc, msg); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

func (c *Conn) WriteMsg(_ context.Context, msg []byte) error {
	if len(msg) > messages.MaxMessageSize {
		return fmt.Errorf("message of %d bytes: %w", len(msg), messages.ErrInvalidMessageLength)
	}

	buf := make([]byte, sizeOfLength, sizeOfLength+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	buf = append(buf, msg...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rwc.Write(buf)
	return err
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *Conn) Close() error {
	return c.rwc.Close()
}
