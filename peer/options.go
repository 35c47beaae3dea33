package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultSendPeriod is the heartbeat cadence when the caller does not set one
	DefaultSendPeriod = 20 * time.Second
	// DefaultInactivityPeriod is the receive timeout when the caller does not set one
	DefaultInactivityPeriod = 6 * DefaultSendPeriod
)

// Options tunes the liveness detection of a Peer. Zero values fall back to the package defaults.
type Options struct {
	// SendPeriod is the time after the last outbound frame when a heartbeat is sent
	SendPeriod time.Duration
	// InactivityPeriod is the time without any inbound frame after which the peer is considered lost. It must be
	// larger than the SendPeriod of the remote side, a few missed heartbeats should not fail the connection.
	InactivityPeriod time.Duration
	Clock            clock.Clock
}

func (o Options) withDefaults() Options {
	if o.SendPeriod == 0 {
		o.SendPeriod = DefaultSendPeriod
	}
	if o.InactivityPeriod == 0 {
		o.InactivityPeriod = DefaultInactivityPeriod
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func (o Options) validate() error {
	if o.SendPeriod < 0 {
		return fmt.Errorf("invalid send period: %s", o.SendPeriod)
	}
	if o.InactivityPeriod < 0 {
		return fmt.Errorf("invalid inactivity period: %s", o.InactivityPeriod)
	}
	if o.InactivityPeriod <= o.SendPeriod {
		return errors.New("inactivity period must be larger than the send period")
	}
	return nil
}
