// Package parallel provides the worker pool for gsplat's data-parallel
// sweeps: per-element projection passes and per-tile rasterization
// passes. Work is split into index ranges distributed across per-worker
// queues; idle workers steal from other queues to balance uneven tiles.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// chunk is one scheduled index range of a For call.
type chunk struct {
	lo, hi int
	fn     func(worker, lo, hi int)
	wg     *sync.WaitGroup
}

// Pool is a pool of goroutines for data-parallel sweeps.
//
// The pool distributes chunks across per-worker queues. Workers pull
// from their own queue first and steal from others when idle, which
// balances load when some chunks (dense tiles) are slower than others.
//
// The worker index passed to the chunk function identifies the executing
// worker; callers use it to own per-worker scratch such as gradient
// accumulation buffers.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	// workers is the number of worker goroutines.
	workers int

	// queues holds the per-worker chunk queues.
	queues []chan chunk

	// next selects the submission queue round-robin.
	next atomic.Uint32

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool
}

// New creates a pool with the given number of workers. If workers <= 0,
// GOMAXPROCS is used. Workers start immediately.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// A few buffered slots per queue hide submission latency.
	queueSize := 4

	p := &Pool{
		workers: workers,
		queues:  make([]chan chunk, workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan chunk, queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int { return p.workers }

// For splits [0, n) into chunks of at most grain indices, runs
// fn(worker, lo, hi) for each chunk on the pool, and blocks until all
// chunks have completed. Small sweeps run inline on the caller.
func (p *Pool) For(n, grain int, fn func(worker, lo, hi int)) {
	if n <= 0 {
		return
	}
	if grain <= 0 {
		grain = 1
	}
	if n <= grain || p.workers == 1 || !p.running.Load() {
		fn(0, 0, n)
		return
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += grain {
		hi := min(lo+grain, n)
		wg.Add(1)
		p.submit(chunk{lo: lo, hi: hi, fn: fn, wg: &wg})
	}
	wg.Wait()
}

// Close stops the workers after draining queued work. The pool must not
// be used after Close.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// submit queues a chunk round-robin, blocking when every queue is full.
func (p *Pool) submit(c chunk) {
	start := int(p.next.Add(1)) % p.workers
	for i := 0; i < p.workers; i++ {
		select {
		case p.queues[(start+i)%p.workers] <- c:
			return
		default:
		}
	}
	p.queues[start] <- c
}

// worker is the main loop for each worker goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(id, own)
			return
		case c := <-own:
			p.run(id, c)
		default:
			if c, ok := p.steal(id); ok {
				p.run(id, c)
				continue
			}
			select {
			case <-p.done:
				p.drain(id, own)
				return
			case c := <-own:
				p.run(id, c)
			}
		}
	}
}

func (p *Pool) run(id int, c chunk) {
	c.fn(id, c.lo, c.hi)
	c.wg.Done()
}

// steal tries to take a chunk from another worker's queue.
func (p *Pool) steal(id int) (chunk, bool) {
	for i := 1; i < p.workers; i++ {
		select {
		case c := <-p.queues[(id+i)%p.workers]:
			return c, true
		default:
		}
	}
	return chunk{}, false
}

// drain executes all remaining work in a queue before shutdown.
func (p *Pool) drain(id int, queue chan chunk) {
	for {
		select {
		case c := <-queue:
			p.run(id, c)
		default:
			return
		}
	}
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the shared pool used by the gsplat operations, created
// on first use with GOMAXPROCS workers.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(0)
	})
	return defaultPool
}
