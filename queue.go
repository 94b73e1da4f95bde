// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/logger"
)

// queueKey identifies a loaded snapshot. Loaders are named and every
// request names both loader and path; there is no ambient "current
// snapshot" on the server.
type queueKey struct {
	loader string
	path   string
}

func (k queueKey) String() string { return k.loader + ":" + k.path }

// ownedSegment is a union segment the server materialized for one
// snapshot-level array, plus which family ranges have been copied in.
// Persistent segments keep their name past unload.
type ownedSegment struct {
	sa         *SharedArray
	persistent bool
	populated  map[string]bool
}

// queueEntry is one snapshot's lifecycle: loading while the single flight
// runs, then loaded with a refcount until the last release unloads it.
type queueEntry struct {
	ds      *dataset.Dataset
	err     error
	loading bool
	refs    int

	// keyHash and token uniquify this load generation's segment names, so
	// a reload never collides with a persistent segment left by the last.
	keyHash  uint64
	token    string
	segments map[string]*ownedSegment
}

// segmentName builds the filesystem-safe name of the union segment backing
// the named snapshot-level array in this load generation.
func (e *queueEntry) segmentName(arrayName string) string {
	return fmt.Sprintf("snap-%016x-%s-%s", e.keyHash, e.token, arrayName)
}

// Queue tracks the snapshots a serving rank holds in memory, keyed by
// (loader, path). Loads are single-flight: concurrent requesters of one key
// block until the one load finishes and share its outcome. Releases
// refcount down; the last one unloads the dataset and unlinks its
// non-persistent segments. Safe for concurrent callers.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	loaders map[string]dataset.Loader
	entries map[queueKey]*queueEntry
	log     logger.Logger
}

// NewQueue returns an empty queue. Loaders must be registered before any
// Acquire names them.
func NewQueue(log logger.Logger) *Queue {
	if log == nil {
		log = logger.NopLogger
	}
	q := &Queue{
		loaders: make(map[string]dataset.Loader),
		entries: make(map[queueKey]*queueEntry),
		log:     log,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// RegisterLoader makes l available under its own name.
func (q *Queue) RegisterLoader(l dataset.Loader) {
	q.mu.Lock()
	q.loaders[l.Name()] = l
	q.mu.Unlock()
}

// Acquire returns the snapshot's dataset, loading it on first reference and
// bumping the refcount otherwise. A failed load propagates its error to the
// requester and every waiter, and leaves the key unloaded.
func (q *Queue) Acquire(loader, path string) (*dataset.Dataset, error) {
	key := queueKey{loader: loader, path: path}

	q.mu.Lock()
	for {
		e := q.entries[key]
		if e == nil {
			break
		}
		for e.loading {
			q.cond.Wait()
		}
		if e.err != nil {
			q.mu.Unlock()
			return nil, e.err
		}
		// The load we waited on may already have been released and
		// unloaded; only join an entry that is still current.
		if q.entries[key] == e {
			e.refs++
			ds := e.ds
			q.mu.Unlock()
			return ds, nil
		}
	}

	l := q.loaders[loader]
	if l == nil {
		q.mu.Unlock()
		return nil, errors.Newf(errors.ErrNotFound, "no loader named %q", loader)
	}
	e := &queueEntry{loading: true}
	q.entries[key] = e
	q.mu.Unlock()

	ds, err := l.Load(path)

	q.mu.Lock()
	e.loading = false
	if err != nil {
		e.err = err
		delete(q.entries, key)
		q.cond.Broadcast()
		q.mu.Unlock()
		q.log.Debugf("load of %v failed: %v", key, err)
		return nil, err
	}
	e.ds = ds
	e.refs = 1
	e.keyHash = xxhash.Sum64String(key.String())
	e.token = uuid.New().String()[:8]
	e.segments = make(map[string]*ownedSegment)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.log.Infof("loaded %v (%d particles, %d families)", key, ds.Len(), len(ds.Families()))
	return ds, nil
}

// Release drops one reference. At zero the dataset unloads and its
// non-persistent segments are unlinked; mappings other processes still hold
// stay valid until they close them.
func (q *Queue) Release(loader, path string) error {
	key := queueKey{loader: loader, path: path}

	q.mu.Lock()
	e := q.entries[key]
	if e == nil || e.loading || e.refs < 1 {
		q.mu.Unlock()
		return errors.Newf(errors.ErrProtocol, "release of %v, which is not loaded", key)
	}
	e.refs--
	if e.refs > 0 {
		q.mu.Unlock()
		return nil
	}
	delete(q.entries, key)
	q.mu.Unlock()

	q.unload(key, e)
	return nil
}

// lookup returns the loaded entry serving key, without touching refcounts.
// Request handlers use it: the reference was taken by the client's load.
func (q *Queue) lookup(loader, path string) (*queueEntry, error) {
	key := queueKey{loader: loader, path: path}
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[key]
	if e == nil || e.loading {
		return nil, errors.Newf(errors.ErrNotFound, "snapshot %v is not loaded", key)
	}
	return e, nil
}

func (q *Queue) unload(key queueKey, e *queueEntry) {
	for name, seg := range e.segments {
		if err := seg.sa.Close(); err != nil {
			q.log.Warnf("unmapping segment for %v array %q: %v", key, name, err)
		}
		if seg.persistent {
			q.log.Debugf("segment for %v array %q kept past unload", key, name)
			continue
		}
		if err := seg.sa.Segment().Unlink(); err != nil {
			q.log.Warnf("unlinking segment for %v array %q: %v", key, name, err)
		}
	}
	q.log.Infof("unloaded %v", key)
}

// Close force-unloads everything regardless of refcounts, for server
// teardown. Callers still holding views lose their backing.
func (q *Queue) Close() {
	q.mu.Lock()
	entries := q.entries
	q.entries = make(map[queueKey]*queueEntry)
	q.mu.Unlock()

	for key, e := range entries {
		if e.loading {
			continue
		}
		if e.refs > 0 {
			q.log.Debugf("force-unloading %v with %d live references", key, e.refs)
		}
		q.unload(key, e)
	}
}

// Len reports how many snapshots are currently loaded or loading.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Segments reports how many union segments are materialized across all
// loaded snapshots.
func (q *Queue) Segments() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		n += len(e.segments)
	}
	return n
}
