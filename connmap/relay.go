package connmap

import (
	"context"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/event"
	"github.com/netbirdio/peerlink/peer"
)

// relay drains the connection into the event sink until the entry is dropped or the connection fails. It only
// receives, the sending half stays in the entry.
func (m *Map) relay(ctx context.Context, id wgtypes.Key, e *entry, conn Conn) {
	defer m.wg.Done()

	relayLog := m.log.WithFields(log.Fields{
		"peer":     id.String(),
		"instance": e.instance.String(),
	})
	defer m.finalize(relayLog, id, e, conn)

	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				relayLog.Debugf("connection dropped")
			case errors.Is(err, peer.ErrInactivityTimeout):
				relayLog.Infof("peer is inactive, removing it: %s", err)
				m.metrics.InactivityTimeout()
				m.removeInstance(id, e)
			case errors.Is(err, io.EOF):
				relayLog.Debugf("connection closed by remote peer")
			default:
				relayLog.Debugf("failed to receive from peer: %s", err)
			}
			return
		}

		m.metrics.MessageReceived(e.instance.String(), len(payload))
		msg := event.NewMessage{
			Peer:    id,
			Kind:    e.kind,
			Payload: payload,
		}
		if err := m.events.Send(msg); err != nil {
			relayLog.Tracef("failed to deliver message: %s", err)
		}
	}
}

func (m *Map) finalize(relayLog *log.Entry, id wgtypes.Key, e *entry, conn Conn) {
	m.removeInstance(id, e)

	if err := conn.Close(); err != nil {
		relayLog.Debugf("failed to close connection: %s", err)
	}
	m.metrics.PeerDisconnected(e.instance.String())

	if err := m.events.Send(event.LostPeer{Peer: id}); err != nil {
		relayLog.Warnf("failed to deliver lost peer event: %s", err)
	}
}
