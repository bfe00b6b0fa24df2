// Package distributed provides the rank group used to coordinate data
// parallel training. Collectives block until every rank arrives; there are
// no timeouts.
package distributed

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by collectives on a world that has been shut down.
var ErrClosed = errors.New("distributed: world closed")

// Group is the collective communication surface the training loop needs.
type Group interface {
	Rank() int
	WorldSize() int
	// Barrier blocks until every rank has called it.
	Barrier() error
	// GatherObject collects one value from every rank. The rank equal to dst
	// receives all values ordered by rank; other ranks receive nil.
	GatherObject(obj interface{}, dst int) ([]interface{}, error)
}

// IsPrimary reports whether g is the rank responsible for side effects.
func IsPrimary(g Group) bool {
	return g == nil || g.Rank() == 0
}

// IsDistributed reports whether more than one rank participates.
func IsDistributed(g Group) bool {
	return g != nil && g.WorldSize() > 1
}

// Gather is the typed form of GatherObject.
func Gather[T any](g Group, v T, dst int) ([]T, error) {
	objs, err := g.GatherObject(v, dst)
	if err != nil {
		return nil, err
	}
	if objs == nil {
		return nil, nil
	}
	out := make([]T, len(objs))
	for i, o := range objs {
		typed, ok := o.(T)
		if !ok {
			return nil, errors.Errorf("gather: rank %d sent %T", i, o)
		}
		out[i] = typed
	}
	return out, nil
}

// Single is the group of a non-distributed run.
type Single struct{}

func (Single) Rank() int      { return 0 }
func (Single) WorldSize() int { return 1 }
func (Single) Barrier() error { return nil }

func (Single) GatherObject(obj interface{}, dst int) ([]interface{}, error) {
	if dst != 0 {
		return nil, errors.Errorf("gather: destination rank %d out of range", dst)
	}
	return []interface{}{obj}, nil
}

// world is the shared rendezvous state of a set of LocalGroups.
type world struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	arrived    int
	generation uint64
	slots      []interface{}
	result     []interface{}
	closed     bool
}

// LocalGroup is one rank of an in-process world. Each rank is expected to be
// driven by its own goroutine.
type LocalGroup struct {
	rank  int
	world *world
}

// NewLocalWorld creates size ranks sharing one rendezvous.
func NewLocalWorld(size int) ([]*LocalGroup, error) {
	if size < 1 {
		return nil, errors.Errorf("world size must be positive, got %d", size)
	}
	w := &world{size: size, slots: make([]interface{}, size)}
	w.cond = sync.NewCond(&w.mu)

	groups := make([]*LocalGroup, size)
	for i := range groups {
		groups[i] = &LocalGroup{rank: i, world: w}
	}
	return groups, nil
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.world.size }

func (g *LocalGroup) Barrier() error {
	_, err := g.world.collect(g.rank, nil)
	return err
}

func (g *LocalGroup) GatherObject(obj interface{}, dst int) ([]interface{}, error) {
	if dst < 0 || dst >= g.world.size {
		return nil, errors.Errorf("gather: destination rank %d out of range", dst)
	}
	all, err := g.world.collect(g.rank, obj)
	if err != nil || g.rank != dst {
		return nil, err
	}
	out := make([]interface{}, len(all))
	copy(out, all)
	return out, nil
}

// Close wakes every blocked rank with ErrClosed.
func (g *LocalGroup) Close() {
	w := g.world
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// collect deposits v for rank and waits for the round to complete. A round
// cannot finish again before every waiter has read its result, because each
// waiter must itself arrive for the next round.
func (w *world) collect(rank int, v interface{}) ([]interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	gen := w.generation
	w.slots[rank] = v
	w.arrived++
	if w.arrived == w.size {
		w.result = w.slots
		w.slots = make([]interface{}, w.size)
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
		return w.result, nil
	}

	for gen == w.generation && !w.closed {
		w.cond.Wait()
	}
	if gen == w.generation {
		return nil, ErrClosed
	}
	return w.result, nil
}
