// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"golang.org/x/sync/errgroup"

	"github.com/haloscope/snapserve/errors"
)

// inbox holds one receiver's inbound traffic: an unbounded FIFO per sender
// rank, all sharing one condition variable so a receiver can block on a
// specific sender or on all of them at once.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues []*linkedlistqueue.Queue // indexed by sender rank
	next   int                      // takeAny scan cursor
	closed bool
}

func newInbox(size int) *inbox {
	in := &inbox{queues: make([]*linkedlistqueue.Queue, size)}
	for i := range in.queues {
		in.queues[i] = linkedlistqueue.New()
	}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) put(src int, payload []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return errors.New(errors.ErrConnClosed, "send on closed exchange")
	}
	in.queues[src].Enqueue(payload)
	in.cond.Broadcast()
	return nil
}

// take blocks until a payload from src is present or the inbox is closed.
// Payloads queued before close stay readable.
func (in *inbox) take(src int) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.queues[src].Empty() && !in.closed {
		in.cond.Wait()
	}
	if v, ok := in.queues[src].Dequeue(); ok {
		return v.([]byte), nil
	}
	return nil, errors.New(errors.ErrConnClosed, "receive on closed exchange")
}

// takeAny blocks until any sender's queue holds a payload. The scan starts
// one past the previously served sender, so a chatty rank cannot starve the
// others.
func (in *inbox) takeAny() (int, []byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for {
		n := len(in.queues)
		for i := 0; i < n; i++ {
			src := (in.next + i) % n
			if v, ok := in.queues[src].Dequeue(); ok {
				in.next = src + 1
				return src, v.([]byte), nil
			}
		}
		if in.closed {
			return 0, nil, errors.New(errors.ErrConnClosed, "receive on closed exchange")
		}
		in.cond.Wait()
	}
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
}

// barrier is a reusable all-ranks rendezvous.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	arrived    int
	generation int
}

func newBarrier(size int) *barrier {
	b := &barrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.generation
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}

// localGroup is the shared state behind a set of Local ranks.
type localGroup struct {
	size    int
	inboxes []*inbox // indexed by receiver rank
	barrier *barrier
}

// Local is one rank of an in-process group. All ranks of a group share
// unbounded pairwise queues, so Local models the separate-process fabric
// faithfully apart from running in one address space.
type Local struct {
	group *localGroup
	rank  int
}

var _ Exchange = (*Local)(nil)

// NewLocalGroup wires up an n-rank in-process exchange and returns the rank
// handles in rank order.
func NewLocalGroup(n int) []*Local {
	if n < 1 {
		panic("transport: local group needs at least one rank")
	}
	group := &localGroup{
		size:    n,
		inboxes: make([]*inbox, n),
		barrier: newBarrier(n),
	}
	for i := range group.inboxes {
		group.inboxes[i] = newInbox(n)
	}
	ranks := make([]*Local, n)
	for i := range ranks {
		ranks[i] = &Local{group: group, rank: i}
	}
	return ranks
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.group.size }

func (l *Local) Send(payload []byte, dest int) error {
	if dest < 0 || dest >= l.group.size {
		return errors.Newf(errors.ErrProtocol, "send to rank %d of %d", dest, l.group.size)
	}
	return l.group.inboxes[dest].put(l.rank, payload)
}

func (l *Local) Receive(src int) ([]byte, error) {
	if src < 0 || src >= l.group.size {
		return nil, errors.Newf(errors.ErrProtocol, "receive from rank %d of %d", src, l.group.size)
	}
	return l.group.inboxes[l.rank].take(src)
}

func (l *Local) ReceiveAny() (int, []byte, error) {
	return l.group.inboxes[l.rank].takeAny()
}

func (l *Local) Barrier() error {
	l.group.barrier.await()
	return nil
}

// Close shuts the whole group down: queued payloads stay readable, blocked
// receivers get a closed error once their queue drains. Any rank may call
// it.
func (l *Local) Close() {
	for _, in := range l.group.inboxes {
		in.close()
	}
}

// RunLocal runs fn once per rank, each on its own goroutine over a fresh
// n-rank group, and waits for all of them. The first error (if any) is
// returned. It is the harness multi-rank tests drive everything through.
func RunLocal(n int, fn func(x *Local) error) error {
	ranks := NewLocalGroup(n)
	var g errgroup.Group
	for _, x := range ranks {
		x := x
		g.Go(func() error {
			return fn(x)
		})
	}
	return g.Wait()
}
