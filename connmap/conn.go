package connmap

import (
	"context"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/transport"
)

// Sender is the outbound half of a connection, it is kept in the map
type Sender interface {
	// Send must not block, the map calls it while holding its lock
	Send(priority transport.Priority, payload []byte) error
}

// Receiver is the inbound half of a connection, it is owned by the relay goroutine
type Receiver interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Conn is a payload connection, usually a *peer.Peer
type Conn interface {
	Receiver
	Sender
	Close() error
}

// PeerInfo is a snapshot of a registered connection
type PeerInfo struct {
	ID          wgtypes.Key       `json:"id"`
	Addr        netip.AddrPort    `json:"addr"`
	Kind        messages.PeerKind `json:"kind"`
	ConnectedAt time.Time         `json:"connected_at"`
}
