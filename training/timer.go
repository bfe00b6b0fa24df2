package training

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Timer is a named-interval stopwatch. Each label accumulates the seconds
// between its StartRecord and EndRecord calls.
type Timer struct {
	mu      sync.Mutex
	now     func() time.Time
	starts  map[string]time.Time
	elapsed map[string]float64
}

func NewTimer() *Timer {
	return &Timer{
		now:     time.Now,
		starts:  make(map[string]time.Time),
		elapsed: make(map[string]float64),
	}
}

// StartRecord marks the current time under name. Calling it again before
// EndRecord restarts the interval.
func (t *Timer) StartRecord(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts[name] = t.now()
}

// EndRecord adds the time since the matching StartRecord to name's total.
func (t *Timer) EndRecord(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.starts[name]
	if !ok {
		return errors.Errorf("timer %q was not started", name)
	}
	delete(t.starts, name)
	t.elapsed[name] += t.now().Sub(start).Seconds()
	return nil
}

// Get returns the accumulated seconds for name, clearing the entry when pop
// is set. Unknown names report zero.
func (t *Timer) Get(name string, pop bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.elapsed[name]
	if pop {
		delete(t.elapsed, name)
	}
	return v
}
