package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type Lifecycle struct {
	draining atomic.Bool
	onDrain  atomic.Pointer[func()]
}

// OnDrain registers fn to run the first time draining is switched on.
func (l *Lifecycle) OnDrain(fn func()) {
	if l == nil || fn == nil {
		return
	}
	l.onDrain.Store(&fn)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	was := l.draining.Swap(draining)
	if draining && !was {
		if fn := l.onDrain.Load(); fn != nil {
			(*fn)()
		}
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
