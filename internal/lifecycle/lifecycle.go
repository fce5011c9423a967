package lifecycle

import "sync/atomic"

var shuttingDown atomic.Bool

// SetShuttingDown marks the process as draining. main sets it on SIGTERM/SIGINT before
// closing the listener.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining. /health answers 503 shutting-down
// while it is true so load balancers stop routing ranking requests here.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
