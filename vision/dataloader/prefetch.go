package dataloader

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tsawler/visiontrain/training"
)

type prefetched struct {
	batch *training.Batch
	err   error
}

// Prefetcher loads batches of an inner loader in a background goroutine,
// keeping up to depth batches ready. It is itself a training.Loader.
type Prefetcher struct {
	inner training.Loader
	depth int

	mu       sync.Mutex
	items    chan prefetched
	cancel   context.CancelFunc
	done     chan struct{}
	produced atomic.Uint64
}

// NewPrefetcher wraps inner. A depth below one is treated as one.
func NewPrefetcher(inner training.Loader, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	return &Prefetcher{inner: inner, depth: depth}
}

func (p *Prefetcher) Len() int { return p.inner.Len() }

func (p *Prefetcher) NumClasses() int { return p.inner.NumClasses() }

// Reset stops any running pass, resets the inner loader and starts
// prefetching the new pass.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.inner.Reset()
	p.start()
}

// Next blocks until the next batch is ready. After the inner loader is
// exhausted, or after it failed, Next keeps returning io.EOF until Reset.
func (p *Prefetcher) Next() (*training.Batch, error) {
	p.mu.Lock()
	if p.items == nil {
		p.start()
	}
	items := p.items
	p.mu.Unlock()

	it, ok := <-items
	if !ok {
		return nil, io.EOF
	}
	return it.batch, it.err
}

// Close stops the background goroutine.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
}

func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.items = make(chan prefetched, p.depth)
	p.done = make(chan struct{})
	p.cancel = cancel
	go p.run(ctx, p.items, p.done)
}

func (p *Prefetcher) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.items, p.done = nil, nil, nil
}

func (p *Prefetcher) run(ctx context.Context, items chan<- prefetched, done chan<- struct{}) {
	defer close(done)
	defer close(items)
	for {
		batch, err := p.inner.Next()
		if err == io.EOF {
			return
		}
		select {
		case items <- prefetched{batch: batch, err: err}:
			p.produced.Add(1)
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// PrefetchStats provides statistics about the prefetcher
type PrefetchStats struct {
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}

func (p *Prefetcher) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PrefetchStats{BatchesProduced: p.produced.Load(), QueueCapacity: p.depth}
	if p.items != nil {
		stats.QueuedBatches = len(p.items)
	}
	return stats
}
