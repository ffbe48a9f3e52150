// Package workpool runs blocking work on a fixed set of dedicated
// goroutines, so callers can hand off storage calls and wait for the
// result without running them on their own goroutine.
//
// Work is submitted with a key. Every key maps to exactly one lane,
// and each lane is served by one worker in FIFO order, so jobs for the
// same key run in the order they were submitted.
package workpool

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// DefaultLaneDepth is the number of jobs a lane buffers before
// Do blocks on submission.
const DefaultLaneDepth = 64

var ErrClosed = errors.New("workpool: pool is closed")

type job struct {
	fn   func() error
	done chan error
}

// Pool is a fixed-size pool of worker goroutines.
type Pool struct {
	lanes   []chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	running atomic.Int64
}

// New starts a pool with the given number of workers (at
// least one).
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		lanes: make([]chan job, workers),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan job, DefaultLaneDepth)
		p.wg.Add(1)
		go p.work(p.lanes[i])
	}
	return p
}

// Do runs fn on the worker that owns key and waits for it to
// return. Once submitted, fn always runs to completion. A panic
// inside fn is recovered and returned as an error.
func (p *Pool) Do(key []byte, fn func() error) error {
	j := job{
		fn:   fn,
		done: make(chan error, 1),
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.lanes[p.lane(key)] <- j
	p.mu.RUnlock()

	return <-j.done
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return len(p.lanes)
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int64 {
	var n int
	for _, l := range p.lanes {
		n += len(l)
	}
	return int64(n)
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int64 {
	return p.running.Load()
}

// Close stops accepting work, lets the queued jobs finish, and
// waits for the workers to exit. It is safe to call more than
// once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, l := range p.lanes {
		close(l)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) lane(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(len(p.lanes)))
}

func (p *Pool) work(lane chan job) {
	defer p.wg.Done()
	for j := range lane {
		p.running.Add(1)
		j.done <- run(j.fn)
		p.running.Add(-1)
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("workpool: job panicked: %v", r)
		}
	}()
	return fn()
}
