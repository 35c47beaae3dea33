// Package connmap keeps track of the live peer connections. Every registered connection is drained by its own relay
// goroutine into the event sink, and the loss of the connection is reported exactly once.
package connmap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/bichannel"
	"github.com/netbirdio/peerlink/event"
	"github.com/netbirdio/peerlink/handshake"
	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/metrics"
	"github.com/netbirdio/peerlink/transport"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrSinkFailure  = errors.New("failed to send to peer")
)

type entry struct {
	instance    xid.ID
	addr        netip.AddrPort
	kind        messages.PeerKind
	sender      Sender
	cancel      context.CancelFunc
	connectedAt time.Time
}

type Option func(*Map)

// WithMetrics records the connection and message counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(cm *Map) {
		cm.metrics = m
	}
}

func WithLogger(l *log.Entry) Option {
	return func(cm *Map) {
		cm.log = l
	}
}

// Map is the registry of the live connections. It allows at most one connection per identity.
type Map struct {
	log     *log.Entry
	events  event.Sender
	metrics *metrics.Metrics

	mu         sync.Mutex
	peers      map[wgtypes.Key]*entry
	ciChannels map[uint64]*bichannel.BiChannel[handshake.ConnInfo]
	closed     bool

	wg sync.WaitGroup
}

// New creates an empty map. Every event of the registered connections is delivered to events.
func New(events event.Sender, opts ...Option) *Map {
	m := &Map{
		log:        log.WithField("component", "connmap"),
		events:     events,
		peers:      make(map[wgtypes.Key]*entry),
		ciChannels: make(map[uint64]*bichannel.BiChannel[handshake.ConnInfo]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Insert registers the connection and starts relaying its payloads. It returns false if the identity already has a
// connection or the map is closed, in that case the map does not take the ownership of conn.
func (m *Map) Insert(id wgtypes.Key, conn Conn, addr netip.AddrPort, kind messages.PeerKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.peers[id]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		instance:    xid.New(),
		addr:        addr,
		kind:        kind,
		sender:      conn,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
	m.peers[id] = e
	m.metrics.PeerConnected(e.instance.String())

	m.wg.Add(1)
	go m.relay(ctx, id, e, conn)

	m.log.Debugf("registered %s %s from %s", kind, id, addr)
	return true
}

// Send queues the payload on the connection of the peer
func (m *Map) Send(id wgtypes.Key, payload []byte, priority transport.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	if err := e.sender.Send(priority, payload); err != nil {
		if errors.Is(err, transport.ErrNotReady) {
			panic(fmt.Sprintf("outbound queue of %s is not ready, registered connections must be unbounded", id))
		}
		return fmt.Errorf("%w: %w", ErrSinkFailure, err)
	}
	m.metrics.MessageSent()
	return nil
}

func (m *Map) PeerAddr(id wgtypes.Key) (netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.peers[id]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return e.addr, nil
}

// Remove drops the connection of the peer. It reports whether the peer was registered.
func (m *Map) Remove(id wgtypes.Key) bool {
	m.mu.Lock()
	e, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()

	if ok {
		e.cancel()
	}
	return ok
}

func (m *Map) Contains(id wgtypes.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.peers[id]
	return ok
}

func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.peers)
}

// Peers returns the registered connections ordered by identity
func (m *Map) Peers() []PeerInfo {
	m.mu.Lock()
	peers := make([]PeerInfo, 0, len(m.peers))
	for id, e := range m.peers {
		peers = append(peers, PeerInfo{
			ID:          id,
			Addr:        e.addr,
			Kind:        e.kind,
			ConnectedAt: e.connectedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.String() < peers[j].ID.String()
	})
	return peers
}

// WhitelistFilter keeps only the nodes with an address in nodeIPs and the clients with an address in clientIPs
func (m *Map) WhitelistFilter(clientIPs, nodeIPs map[netip.Addr]struct{}) {
	var dropped []*entry

	m.mu.Lock()
	for id, e := range m.peers {
		allowed := nodeIPs
		if e.kind == messages.PeerKindClient {
			allowed = clientIPs
		}

		if _, ok := allowed[e.addr.Addr().Unmap()]; ok {
			continue
		}

		m.log.Infof("%s %s (%s) is not whitelisted, dropping it", e.kind, id, e.addr)
		delete(m.peers, id)
		dropped = append(dropped, e)
	}
	m.mu.Unlock()

	for _, e := range dropped {
		e.cancel()
	}
}

// Clear drops every connection
func (m *Map) Clear() {
	m.mu.Lock()
	dropped := m.peers
	m.peers = make(map[wgtypes.Key]*entry)
	m.mu.Unlock()

	for _, e := range dropped {
		e.cancel()
	}
}

// Close drops every connection and waits until their relay goroutines have finished. Later inserts are refused.
func (m *Map) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Clear()
	m.wg.Wait()
}

func (m *Map) InsertCIChannel(connID uint64, ch *bichannel.BiChannel[handshake.ConnInfo]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ciChannels[connID] = ch
}

// GetCIChannel returns the channel stored under connID and removes it from the map
func (m *Map) GetCIChannel(connID uint64) (*bichannel.BiChannel[handshake.ConnInfo], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.ciChannels[connID]
	if ok {
		delete(m.ciChannels, connID)
	}
	return ch, ok
}

// removeInstance removes the entry only if it is still the registered one for the identity
func (m *Map) removeInstance(id wgtypes.Key, e *entry) bool {
	m.mu.Lock()
	cur, ok := m.peers[id]
	removed := ok && cur == e
	if removed {
		delete(m.peers, id)
	}
	m.mu.Unlock()

	e.cancel()
	return removed
}
