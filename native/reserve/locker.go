package reserve

import "sync"

// Locker serialises access to an Engine shared between goroutines.
type Locker struct {
	mu     sync.Mutex
	engine *Engine
}

// NewLocker wraps engine.
func NewLocker(engine *Engine) *Locker {
	return &Locker{engine: engine}
}

// ID returns the wrapped reserve identifier.
func (l *Locker) ID() string {
	return l.engine.ID()
}

// Do runs fn with exclusive access to the engine.
func (l *Locker) Do(fn func(*Engine) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.engine)
}
