package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/peerlink/transport"
)

func TestDialAndAccept(t *testing.T) {
	accepted := make(chan transport.MsgConn, 1)
	srv := httptest.NewServer(Handler(func(conn transport.MsgConn) {
		accepted <- conn
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://")+URLPath)
	require.NoError(t, err)
	require.NotNil(t, client.RemoteAddr())

	var server transport.MsgConn
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("connection is not accepted")
	}
	assert.Contains(t, server.RemoteAddr().String(), "127.0.0.1")

	go func() {
		_ = client.WriteMsg(ctx, []byte("hello"))
	}()
	msg, err := server.ReadMsg(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	readErr := make(chan error, 1)
	go func() {
		_, err := server.ReadMsg(ctx)
		readErr <- err
	}()

	require.NoError(t, client.Close())
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatalf("read is not released")
	}
	_ = server.Close()
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1"+URLPath)
	assert.Error(t, err)
}
