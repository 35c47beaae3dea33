package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	idleTimeout = 30 * time.Second
)

// Metrics collects the connection registry counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	metric.Meter

	MessagesReceived   metric.Int64Counter
	BytesReceived      metric.Int64Counter
	MessagesSent       metric.Int64Counter
	LostPeers          metric.Int64Counter
	InactivityTimeouts metric.Int64Counter

	peers            metric.Int64UpDownCounter
	peerActivityChan chan string
	peerLastActive   map[string]time.Time
	mutexActivity    sync.Mutex
	ctx              context.Context
}

func NewMetrics(ctx context.Context, meter metric.Meter) (*Metrics, error) {
	messagesRecv, err := meter.Int64Counter("peerlink_messages_received")
	if err != nil {
		return nil, err
	}

	bytesRecv, err := meter.Int64Counter("peerlink_bytes_received")
	if err != nil {
		return nil, err
	}

	messagesSent, err := meter.Int64Counter("peerlink_messages_sent")
	if err != nil {
		return nil, err
	}

	lostPeers, err := meter.Int64Counter("peerlink_lost_peers")
	if err != nil {
		return nil, err
	}

	inactivityTimeouts, err := meter.Int64Counter("peerlink_inactivity_timeouts")
	if err != nil {
		return nil, err
	}

	peers, err := meter.Int64UpDownCounter("peerlink_peers")
	if err != nil {
		return nil, err
	}

	peersActive, err := meter.Int64ObservableGauge("peerlink_peers_active")
	if err != nil {
		return nil, err
	}

	peersIdle, err := meter.Int64ObservableGauge("peerlink_peers_idle")
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		Meter:              meter,
		MessagesReceived:   messagesRecv,
		BytesReceived:      bytesRecv,
		MessagesSent:       messagesSent,
		LostPeers:          lostPeers,
		InactivityTimeouts: inactivityTimeouts,
		peers:              peers,

		ctx:              ctx,
		peerActivityChan: make(chan string, 100),
		peerLastActive:   make(map[string]time.Time),
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			active, idle := m.calculateActiveIdleConnections()
			o.ObserveInt64(peersActive, active)
			o.ObserveInt64(peersIdle, idle)
			return nil
		},
		peersActive, peersIdle,
	)
	if err != nil {
		return nil, err
	}

	go m.readPeerActivity()
	return m, nil
}

// PeerConnected increments the number of connected peers. The new peer counts as idle until its first message.
func (m *Metrics) PeerConnected(id string) {
	if m == nil {
		return
	}
	m.peers.Add(m.ctx, 1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	m.peerLastActive[id] = time.Time{}
}

// PeerDisconnected decrements the number of connected peers and counts the loss
func (m *Metrics) PeerDisconnected(id string) {
	if m == nil {
		return
	}
	m.peers.Add(m.ctx, -1)
	m.LostPeers.Add(m.ctx, 1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	delete(m.peerLastActive, id)
}

// MessageReceived counts an inbound payload and marks the peer as active
func (m *Metrics) MessageReceived(id string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Add(m.ctx, 1)
	m.BytesReceived.Add(m.ctx, int64(size))

	select {
	case m.peerActivityChan <- id:
	default:
	}
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Add(m.ctx, 1)
}

func (m *Metrics) InactivityTimeout() {
	if m == nil {
		return
	}
	m.InactivityTimeouts.Add(m.ctx, 1)
}

func (m *Metrics) calculateActiveIdleConnections() (int64, int64) {
	active, idle := int64(0), int64(0)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	for _, lastActive := range m.peerLastActive {
		if time.Since(lastActive) > idleTimeout {
			idle++
		} else {
			active++
		}
	}
	return active, idle
}

func (m *Metrics) readPeerActivity() {
	for {
		select {
		case peerID := <-m.peerActivityChan:
			m.mutexActivity.Lock()
			// the peer may have been removed while the activity was queued
			if _, ok := m.peerLastActive[peerID]; ok {
				m.peerLastActive[peerID] = time.Now()
			}
			m.mutexActivity.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}
