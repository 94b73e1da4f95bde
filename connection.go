// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/shm"
	"github.com/haloscope/snapserve/transport"
)

// Mode selects how a view's arrays travel from the serving rank.
type Mode int

const (
	// ModeValue copies every array; results are always local.
	ModeValue Mode = iota
	// ModeShared serves full-row fetches as live windows of the server's
	// union segments. The segments unlink when the snapshot unloads.
	ModeShared
	// ModeSharedPersistent is ModeShared with segments that keep their
	// names past unload, so workers can re-attach across connections.
	ModeSharedPersistent
)

func (m Mode) shared() bool { return m == ModeShared || m == ModeSharedPersistent }

// Connection is one rank's handle on a snapshot held by the serving rank.
// Opening takes the load reference; Close releases it, exactly once. The
// connection pools every shared segment it maps, so all views it hands out
// compose over a single mapping per segment.
//
// A connection is not safe for concurrent use: the protocol is strictly
// request-then-response on one (client, server) rank pair.
type Connection struct {
	x      transport.Exchange
	dest   int
	loader string
	path   string

	kind       string
	families   []dataset.Family
	properties map[string]float64

	segs     map[string]*shm.Segment
	poisoned bool
	released bool
}

// Open asks the serving rank dest to load, or add a reference to, the
// snapshot at path readable by the named loader. Loader failures, NotFound
// included, come back unchanged in kind.
func Open(x transport.Exchange, dest int, loader, path string) (*Connection, error) {
	c := &Connection{
		x:      x,
		dest:   dest,
		loader: loader,
		path:   path,
		segs:   make(map[string]*shm.Segment),
	}
	confirm, err := request[*ConfirmLoadSnapshot](c, &RequestLoadSnapshot{Loader: loader, Path: path})
	if err != nil {
		return nil, err
	}
	if err := errFromWire(confirm.Err); err != nil {
		return nil, err
	}
	c.kind = confirm.Kind
	c.families = confirm.Families
	c.properties = confirm.Properties
	return c, nil
}

// Kind returns the snapshot kind reported at load.
func (c *Connection) Kind() string { return c.kind }

// Families returns the snapshot's ordered family table.
func (c *Connection) Families() []dataset.Family {
	return append([]dataset.Family(nil), c.families...)
}

// Properties returns the snapshot's numeric properties.
func (c *Connection) Properties() map[string]float64 {
	out := make(map[string]float64, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

// IndexList resolves which whole-snapshot rows sel covers, in the same
// order a local evaluation of the selection would produce.
func (c *Connection) IndexList(sel dataset.Selection) ([]int64, error) {
	resp, err := request[*ReturnIndexList](c, &RequestIndexList{
		Loader: c.loader,
		Path:   c.path,
		Sel:    dataset.WireSelection{Selection: sel},
	})
	if err != nil {
		return nil, err
	}
	if err := errFromWire(resp.Err); err != nil {
		return nil, err
	}
	return resp.Indices, nil
}

// Catalogue fetches the snapshot's object-membership catalogue for a
// typetag; empty means the default.
func (c *Connection) Catalogue(typeTag string) (*Catalogue, error) {
	resp, err := request[*ReturnCatalogue](c, &RequestCatalogue{
		Loader:  c.loader,
		Path:    c.path,
		TypeTag: typeTag,
	})
	if err != nil {
		return nil, err
	}
	if err := errFromWire(resp.Err); err != nil {
		return nil, err
	}
	return NewCatalogue(resp.IDs), nil
}

// Close sends the snapshot release and drops all pooled segment mappings.
// Only the first call does anything; live views handed out by this
// connection stop working.
func (c *Connection) Close() error {
	if c.released {
		return nil
	}
	c.released = true

	var first error
	if !c.poisoned {
		if err := send(c.x, &ReleaseSnapshot{Loader: c.loader, Path: c.path}, c.dest); err != nil {
			first = err
		}
	}
	for _, seg := range c.segs {
		if err := seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.segs = nil
	return first
}

// usable rejects calls on a connection that was closed or poisoned.
func (c *Connection) usable() error {
	if c.released {
		return errors.Newf(errors.ErrConnClosed, "connection to rank %d is closed", c.dest)
	}
	if c.poisoned {
		return errors.Newf(errors.ErrConnClosed, "connection to rank %d is unusable after a protocol error", c.dest)
	}
	return nil
}

// noteFailure poisons the connection when err means the request/response
// stream can no longer be trusted. Request-level failures and transfer
// failures leave the connection usable.
func (c *Connection) noteFailure(err error) {
	if errors.Is(err, errors.ErrProtocol) || errors.Is(err, errors.ErrConnClosed) {
		c.poisoned = true
	}
}

// request runs one round trip against the serving rank: send req, receive
// the response type the protocol pairs with it. Wire errors inside the
// response are the caller's to unpack.
func request[T Message](c *Connection, req Message) (T, error) {
	var zero T
	if err := c.usable(); err != nil {
		return zero, err
	}
	if err := send(c.x, req, c.dest); err != nil {
		c.poisoned = true
		return zero, err
	}
	resp, err := expect[T](c.x, c.dest)
	if err != nil {
		c.poisoned = true
		return zero, err
	}
	return resp, nil
}

// fetched is one array delivery: the decoded array and, when it arrived as
// a shared handle, the handle metadata. A live result aliases a pooled
// segment mapping owned by the connection.
type fetched struct {
	arr    *array.Array
	handle *array.Handle
}

func (f *fetched) live() bool { return f.handle != nil }

// fetchArray runs one RequestArray round trip, bulk frame included. The
// ack decides the frame's form: value frames decode to owned arrays,
// shared handles map through the segment pool into live views.
func (c *Connection) fetchArray(req *RequestArray) (*fetched, error) {
	ack, err := request[*ReturnArray](c, req)
	if err != nil {
		return nil, err
	}
	if err := errFromWire(ack.Err); err != nil {
		return nil, err
	}

	if !ack.Shared {
		a, err := ReceiveArray(c.x, c.dest)
		if err != nil {
			c.noteFailure(err)
			return nil, err
		}
		return &fetched{arr: a}, nil
	}

	h, err := ReceiveArrayHandle(c.x, c.dest)
	if err != nil {
		c.noteFailure(err)
		return nil, err
	}
	seg, err := c.mapSegment(h.Name)
	if err != nil {
		return nil, err
	}
	a, err := h.View(seg.Data())
	if err != nil {
		return nil, err
	}
	return &fetched{arr: a, handle: &h}, nil
}

// mapSegment returns the pooled mapping of the named segment, opening it
// on first use. The pool holds one mapping per name for the connection's
// lifetime; Close unmaps them all.
func (c *Connection) mapSegment(name string) (*shm.Segment, error) {
	if seg := c.segs[name]; seg != nil {
		return seg, nil
	}
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	c.segs[name] = seg
	return seg, nil
}

// SendShutdown asks the serving rank to stop after finishing the requests
// already queued ahead of it.
func SendShutdown(x transport.Exchange, dest int) error {
	return send(x, &Shutdown{}, dest)
}
