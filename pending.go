package tether

import (
	"sync"
	"sync/atomic"
	"time"
)

type result[R Reply] struct {
	reply R
	err   error
}

// waiter is the one-shot slot a caller blocks on until its response,
// an error or its own timeout.
type waiter[R Reply] struct {
	ch      chan result[R]
	once    sync.Once
	settled atomic.Bool
	sentAt  time.Time
}

func newWaiter[R Reply]() *waiter[R] {
	return &waiter[R]{
		ch: make(chan result[R], 1),
	}
}

// resolve delivers the outcome and reports whether it was the first resolution.
// It never blocks.
func (w *waiter[R]) resolve(reply R, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- result[R]{reply: reply, err: err}
		w.settled.Store(true)
		resolved = true
	})
	return resolved
}

// done reports whether the waiter was already resolved.
func (w *waiter[R]) done() bool {
	return w.settled.Load()
}

func (w *waiter[R]) fail(err error) bool {
	var zero R
	return w.resolve(zero, err)
}

const pendingShards = 64

type pendingShard[R Reply] struct {
	mu sync.Mutex
	m  map[uint64]*waiter[R]
}

// pendingTable maps in-flight request ids to their waiter.
//
// Entries are inserted by the write loop before the frame is flushed, so
// a response can never race ahead of its entry, and are removed exactly
// once: by the read loop, by the caller giving up or by the final sweep.
type pendingTable[R Reply] struct {
	shards [pendingShards]pendingShard[R]
}

func newPendingTable[R Reply]() *pendingTable[R] {
	pt := &pendingTable[R]{}
	for i := range pt.shards {
		pt.shards[i].m = make(map[uint64]*waiter[R])
	}
	return pt
}

func (pt *pendingTable[R]) shard(id uint64) *pendingShard[R] {
	return &pt.shards[id&(pendingShards-1)]
}

// insert registers w under id and returns the waiter it displaced, if any.
func (pt *pendingTable[R]) insert(id uint64, w *waiter[R]) *waiter[R] {
	s := pt.shard(id)
	s.mu.Lock()
	prev := s.m[id]
	s.m[id] = w
	s.mu.Unlock()
	return prev
}

// take removes and returns the waiter registered under id.
func (pt *pendingTable[R]) take(id uint64) *waiter[R] {
	s := pt.shard(id)
	s.mu.Lock()
	w, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return w
}

// remove deletes the entry for id only if it still belongs to w.
func (pt *pendingTable[R]) remove(id uint64, w *waiter[R]) bool {
	s := pt.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[id]; ok && cur == w {
		delete(s.m, id)
		return true
	}
	return false
}

// failAll resolves every entry with err and empties the table.
func (pt *pendingTable[R]) failAll(err error) int {
	failed := 0
	for i := range pt.shards {
		s := &pt.shards[i]
		s.mu.Lock()
		for id, w := range s.m {
			if w.fail(err) {
				failed++
			}
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
	return failed
}

func (pt *pendingTable[R]) len() int {
	n := 0
	for i := range pt.shards {
		s := &pt.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
