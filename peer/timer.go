package peer

import (
	"time"

	"github.com/benbjohnson/clock"
)

// deadline is a resettable timer. A wakeup from C is only a hint, the owner must confirm it with elapsedAt.
type deadline struct {
	clock clock.Clock
	at    time.Time
	timer *clock.Timer
}

func newDeadline(c clock.Clock, at time.Time) *deadline {
	return &deadline{
		clock: c,
		at:    at,
		timer: c.Timer(at.Sub(c.Now())),
	}
}

func (d *deadline) reset(at time.Time) {
	d.at = at
	if !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timer.Reset(at.Sub(d.clock.Now()))
}

func (d *deadline) elapsedAt(now time.Time) bool {
	return !now.Before(d.at)
}

func (d *deadline) C() <-chan time.Time {
	return d.timer.C
}

func (d *deadline) stop() {
	d.timer.Stop()
}
