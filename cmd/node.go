package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netbirdio/peerlink/bichannel"
	"github.com/netbirdio/peerlink/connmap"
	"github.com/netbirdio/peerlink/event"
	"github.com/netbirdio/peerlink/handshake"
	"github.com/netbirdio/peerlink/messages"
	"github.com/netbirdio/peerlink/metrics"
	"github.com/netbirdio/peerlink/peer"
	"github.com/netbirdio/peerlink/transport"
	"github.com/netbirdio/peerlink/transport/stream"
	"github.com/netbirdio/peerlink/transport/ws"
)

const (
	handshakeTimeout = 10 * time.Second
	eventBufferSize  = 1024
)

var (
	errAlreadyConnected = errors.New("peer is already connected")
	errNotWhitelisted   = errors.New("peer address is not whitelisted")
	errNodeStopped      = errors.New("node is shut down")
)

type node struct {
	ctx      context.Context
	cfg      *Config
	key      wgtypes.Key
	kind     messages.PeerKind
	peerOpts peer.Options

	clientIPs map[netip.Addr]struct{}
	nodeIPs   map[netip.Addr]struct{}

	connMap *connmap.Map
	sink    *event.ChannelSender
	events  <-chan event.Event

	connIDs     atomic.Uint64
	stopped     atomic.Bool
	httpServer  *http.Server
	tcpListener *stream.Listener
	wg          sync.WaitGroup
}

// newNode prepares the registry. The meter is optional.
func newNode(ctx context.Context, cfg *Config, meter metric.Meter) (*node, error) {
	kind, err := messages.ParsePeerKind(cfg.Kind)
	if err != nil {
		return nil, err
	}

	key, err := loadKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	clientIPs, err := parseIPs(cfg.ClientWhitelist)
	if err != nil {
		return nil, err
	}
	nodeIPs, err := parseIPs(cfg.NodeWhitelist)
	if err != nil {
		return nil, err
	}

	opts := []connmap.Option{connmap.WithLogger(log.WithField("peer_id", key.PublicKey().String()))}
	if meter != nil {
		m, err := metrics.NewMetrics(ctx, meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, connmap.WithMetrics(m))
	}

	sink, events := event.NewChannel(eventBufferSize)
	n := &node{
		ctx:  ctx,
		cfg:  cfg,
		key:  key,
		kind: kind,
		peerOpts: peer.Options{
			SendPeriod:       cfg.HeartbeatPeriod,
			InactivityPeriod: cfg.InactivityPeriod,
		},
		clientIPs: clientIPs,
		nodeIPs:   nodeIPs,
		connMap:   connmap.New(sink, opts...),
		sink:      sink,
		events:    events,
	}
	return n, nil
}

func loadKey(encoded string) (wgtypes.Key, error) {
	if encoded == "" {
		log.Warnf("no private key is configured, using a generated one")
		return wgtypes.GeneratePrivateKey()
	}

	key, err := wgtypes.ParseKey(encoded)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// Start binds the listeners and starts the background work. It does not block.
func (n *node) Start() error {
	listener, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err)
	}

	if n.cfg.TCPListenAddress != "" {
		n.tcpListener, err = stream.Listen(n.cfg.TCPListenAddress)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.TCPListenAddress, err)
		}
	}

	log.Infof("starting %s %s", n.kind, n.key.PublicKey())

	n.httpServer = &http.Server{
		Handler:           n.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		log.Infof("websocket endpoint is listening on: %s%s", listener.Addr(), ws.URLPath)
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server stopped: %s", err)
		}
	}()

	if n.tcpListener != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.tcpListener.Serve(n.accept); err != nil {
				log.Errorf("tcp listener stopped: %s", err)
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.consumeEvents()
	}()

	if n.cfg.HasWhitelist() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.applyWhitelist(n.cfg.WhitelistInterval)
		}()
	}

	for _, b := range n.cfg.Bootstrap {
		n.wg.Add(1)
		go func(rawURL string) {
			defer n.wg.Done()
			if err := n.connectBootstrap(rawURL); err != nil {
				log.Errorf("failed to connect to bootstrap peer %s: %s", rawURL, err)
			}
		}(b)
	}
	return nil
}

// Shutdown stops accepting, drops every connection and waits for the background goroutines
func (n *node) Shutdown(ctx context.Context) error {
	n.stopped.Store(true)

	var errs error

	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	if n.tcpListener != nil {
		if err := n.tcpListener.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tcp listener: %w", err))
		}
	}

	n.connMap.Close()
	n.sink.Close()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = multierror.Append(errs, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
	}
	return errs
}

func (n *node) accept(conn transport.MsgConn) {
	connID := n.connIDs.Add(1)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.handleConn(conn, connID); err != nil {
			log.Debugf("incoming connection from %s rejected: %s", conn.RemoteAddr(), err)
		}
	}()
}

// handleConn authenticates the connection and registers it. If a ci-channel is waiting for connID, the remote
// connection info is published on it.
func (n *node) handleConn(conn transport.MsgConn, connID uint64) (handshake.ConnInfo, error) {
	ciChannel, hasCIChannel := n.connMap.GetCIChannel(connID)
	if hasCIChannel {
		defer ciChannel.Close()
	}

	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	info, err := handshake.Exchange(ctx, conn, n.key, n.kind, n.advertiseAddress())
	cancel()
	if err != nil {
		_ = conn.Close()
		return handshake.ConnInfo{}, fmt.Errorf("handshake: %w", err)
	}

	p, err := peer.New(transport.NewConn(conn, transport.Options{}), n.peerOpts)
	if err != nil {
		_ = conn.Close()
		return handshake.ConnInfo{}, err
	}

	addr := p.AddrPort()
	if !n.isAllowed(info.Kind, addr.Addr()) {
		_ = p.Close()
		return handshake.ConnInfo{}, fmt.Errorf("%w: %s", errNotWhitelisted, addr)
	}

	if hasCIChannel {
		if err := ciChannel.Send(info); err != nil {
			log.Debugf("failed to publish connection info of %s: %s", info.ID, err)
		}
	}

	if !n.connMap.Insert(info.ID, p, addr, info.Kind) {
		_ = p.Close()
		if n.stopped.Load() {
			return info, errNodeStopped
		}
		return info, fmt.Errorf("%w: %s", errAlreadyConnected, info.ID)
	}

	log.Infof("connected to %s %s (%s)", info.Kind, info.ID, addr)
	return info, nil
}

func (n *node) advertiseAddress() string {
	if n.cfg.AdvertiseAddress != "" {
		return n.cfg.AdvertiseAddress
	}
	return n.cfg.ListenAddress
}

func (n *node) isAllowed(kind messages.PeerKind, ip netip.Addr) bool {
	if !n.cfg.HasWhitelist() {
		return true
	}

	allowed := n.nodeIPs
	if kind == messages.PeerKindClient {
		allowed = n.clientIPs
	}
	_, ok := allowed[ip.Unmap()]
	return ok
}

// connectBootstrap dials the peer until the handshake succeeds. A lost connection is not dialed again.
func (n *node) connectBootstrap(rawURL string) error {
	operation := func() error {
		conn, err := n.dial(rawURL)
		if err != nil {
			log.Debugf("failed to dial %s: %s", rawURL, err)
			return err
		}

		connID := n.connIDs.Add(1)
		local, remote := bichannel.New[handshake.ConnInfo]()
		n.connMap.InsertCIChannel(connID, remote)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.handleConn(conn, connID); err != nil {
				log.Debugf("connection to %s failed: %s", rawURL, err)
			}
		}()

		info, err := local.Recv(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return backoff.Permanent(n.ctx.Err())
			}
			return fmt.Errorf("handshake with %s failed", rawURL)
		}

		log.Infof("bootstrap peer %s is %s %s", rawURL, info.Kind, info.ID)
		return nil
	}

	return backoff.Retry(operation, bootstrapBackoff(n.ctx))
}

func (n *node) dial(rawURL string) (transport.MsgConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return ws.Dial(n.ctx, rawURL)
	case "tcp":
		ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
		defer cancel()
		return stream.Dial(ctx, u.Host)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported scheme: %s", u.Scheme))
	}
}

func bootstrapBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     800 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      15 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

func (n *node) consumeEvents() {
	for e := range n.events {
		switch ev := e.(type) {
		case event.NewMessage:
			log.Debugf("%s", ev)
		case event.LostPeer:
			log.Infof("%s", ev)
		}
	}
}

func (n *node) applyWhitelist(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.connMap.WhitelistFilter(n.clientIPs, n.nodeIPs)
		case <-n.ctx.Done():
			return
		}
	}
}
