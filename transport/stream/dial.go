package stream

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/peerlink/transport"
)

const dialTimeout = 10 * time.Second

// Dial opens a TCP connection and frames it
func Dial(ctx context.Context, address string) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	log.Debugf("tcp connection established with: %s", conn.RemoteAddr())
	return NewConn(conn), nil
}

// Listener accepts TCP connections and hands them over framed
type Listener struct {
	listener net.Listener
}

func Listen(address string) (*Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: l}, nil
}

// Serve blocks and calls acceptFn for every incoming connection until the listener is closed
func (l *Listener) Serve(acceptFn func(transport.MsgConn)) error {
	log.Infof("TCP server is listening on address: %s", l.listener.Addr())
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return err
		}
		acceptFn(NewConn(conn))
	}
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
