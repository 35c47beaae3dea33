// Package ws carries peer frames as binary websocket messages
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
)

const (
	// URLPath is the http path the websocket endpoint is served on
	URLPath     = "/peerlink"
	dialTimeout = 10 * time.Second
)

// Conn is a transport.MsgConn over a websocket connection
type Conn struct {
	*websocket.Conn
	rAddr net.Addr
}

func NewConn(wsConn *websocket.Conn, rAddr net.Addr) *Conn {
	wsConn.SetReadLimit(messages.MaxMessageSize)
	return &Conn{
		Conn:  wsConn,
		rAddr: rAddr,
	}
}

func (c *Conn) ReadMsg(ctx context.Context) ([]byte, error) {
	t, msg, err := c.Conn.Read(ctx)
	if err != nil {
		return nil, ioErrHandling(err)
	}

	if t != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected websocket message type: %s", t)
	}
	return msg, nil
}

func (c *Conn) WriteMsg(ctx context.Context, msg []byte) error {
	return ioErrHandling(c.Conn.Write(ctx, websocket.MessageBinary, msg))
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.rAddr
}

func (c *Conn) Close() error {
	err := c.Conn.Close(websocket.StatusNormalClosure, "")
	var wErr websocket.CloseError
	if errors.As(err, &wErr) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects to a websocket endpoint, e.g. ws://10.0.0.1:8080/peerlink. Cancelling ctx may tear down the
// established connection, so it must live as long as the connection.
func Dial(ctx context.Context, url string) (*Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: httpClientDialer(),
	}

	wsConn, resp, err := websocket.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	var rAddr net.Addr
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		rAddr, err = net.ResolveTCPAddr("tcp", resp.Request.URL.Host)
		if err != nil {
			log.Debugf("failed to resolve remote address %s: %s", resp.Request.URL.Host, err)
		}
	}
	return NewConn(wsConn, rAddr), nil
}

// Handler upgrades incoming http requests and passes the connection to acceptFn. acceptFn is called on the http
// handler goroutine.
func Handler(acceptFn func(transport.MsgConn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Errorf("failed to accept ws connection: %s", err)
			return
		}

		rAddr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
		if err != nil {
			log.Errorf("invalid remote address %s: %s", r.RemoteAddr, err)
			_ = wsConn.Close(websocket.StatusInternalError, "internal error")
			return
		}

		acceptFn(NewConn(wsConn, rAddr))
	})
}

func httpClientDialer() *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: dialTimeout,
		},
	}
}

func ioErrHandling(err error) error {
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return io.EOF
	}
	return err
}
