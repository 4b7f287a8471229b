package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle is the process lifecycle state shared across handlers. It drives
// readiness during graceful shutdown and tells live relay sessions to wind down.
type Lifecycle struct {
	draining atomic.Bool

	once    sync.Once
	drainCh chan struct{}
}

func (l *Lifecycle) ch() chan struct{} {
	l.once.Do(func() { l.drainCh = make(chan struct{}) })
	return l.drainCh
}

// SetDraining marks the process as draining. Draining is one-way: later calls
// with false only affect readiness, the Draining channel stays closed.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	ch := l.ch()
	if l.draining.Swap(draining) || !draining {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed once SetDraining(true) is first called. A nil Lifecycle
// never drains.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.ch()
}
