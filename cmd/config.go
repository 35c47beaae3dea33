package cmd

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/netbirdio/peerlink/messages"
)

type Config struct {
	// ListenAddress serves the websocket endpoint and the status api
	ListenAddress string
	// TCPListenAddress optionally accepts length prefixed TCP connections
	TCPListenAddress string
	// AdvertiseAddress is announced to the remote peers during the handshake
	AdvertiseAddress string
	Bootstrap        []string
	Kind             string
	PrivateKey       string
	HeartbeatPeriod  time.Duration
	InactivityPeriod time.Duration
	MetricsPort      int
	LogLevel         string
	LogFile          string
	// ClientWhitelist and NodeWhitelist are lists of IP addresses. When any of them is set the connections from
	// other addresses are dropped periodically.
	ClientWhitelist   []string
	NodeWhitelist     []string
	WhitelistInterval time.Duration
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address is required")
	}

	if _, err := messages.ParsePeerKind(c.Kind); err != nil {
		return err
	}

	if c.HeartbeatPeriod <= 0 {
		return fmt.Errorf("invalid heartbeat period: %s", c.HeartbeatPeriod)
	}
	if c.InactivityPeriod <= c.HeartbeatPeriod {
		return fmt.Errorf("inactivity period %s must be larger than the heartbeat period %s", c.InactivityPeriod, c.HeartbeatPeriod)
	}

	for _, b := range c.Bootstrap {
		if err := validateBootstrapURL(b); err != nil {
			return err
		}
	}

	if _, err := parseIPs(c.ClientWhitelist); err != nil {
		return fmt.Errorf("invalid client whitelist: %w", err)
	}
	if _, err := parseIPs(c.NodeWhitelist); err != nil {
		return fmt.Errorf("invalid node whitelist: %w", err)
	}
	if c.HasWhitelist() && c.WhitelistInterval <= 0 {
		return fmt.Errorf("invalid whitelist interval: %s", c.WhitelistInterval)
	}
	return nil
}

func (c Config) HasWhitelist() bool {
	return len(c.ClientWhitelist) > 0 || len(c.NodeWhitelist) > 0
}

func validateBootstrapURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid bootstrap address %s: %w", raw, err)
	}

	switch u.Scheme {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("unsupported bootstrap scheme %q in %s", u.Scheme, raw)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in bootstrap address %s", raw)
	}
	return nil
}

func parseIPs(ips []string) (map[netip.Addr]struct{}, error) {
	set := make(map[netip.Addr]struct{}, len(ips))
	for _, ip := range ips {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, err
		}
		set[addr.Unmap()] = struct{}{}
	}
	return set, nil
}
