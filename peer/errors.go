package peer

import "errors"

// ErrInactivityTimeout is returned by Recv when no frame of any kind arrived within the inactivity period. The error
// is terminal, every later Recv returns it again.
var ErrInactivityTimeout = errors.New("peer inactivity timeout")
