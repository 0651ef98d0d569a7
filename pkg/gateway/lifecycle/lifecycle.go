package lifecycle

import "sync/atomic"

// Lifecycle holds process state shared across handlers. Draining is set at
// the start of graceful shutdown: readiness fails and new realtime sessions
// are refused while existing ones finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
