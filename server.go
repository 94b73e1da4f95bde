// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"time"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/logger"
	"github.com/haloscope/snapserve/transport"
)

// Server answers snapshot requests arriving on an exchange. One serving
// rank holds the loaded datasets; worker ranks open connections to it and
// pull metadata, index lists, arrays and catalogues.
//
// Serving is sequential: one request is fully answered, bulk frame
// included, before the next is read. That serializes all access to the
// loaded datasets and their union segments, so handlers take no locks of
// their own. The queue underneath still locks, because loads and releases
// are also driven directly in tests.
type Server struct {
	queue *Queue
	log   logger.Logger
	stats StatsClient
}

// NewServer returns a server with an empty snapshot queue. A nil log or
// stats falls back to the no-op implementation.
func NewServer(log logger.Logger, stats StatsClient) *Server {
	if log == nil {
		log = logger.NopLogger
	}
	if stats == nil {
		stats = NopStatsClient
	}
	return &Server{
		queue: NewQueue(log),
		log:   log,
		stats: stats,
	}
}

// RegisterLoader makes a loader available to load requests under its name.
func (s *Server) RegisterLoader(l dataset.Loader) {
	s.queue.RegisterLoader(l)
}

// Queue exposes the snapshot queue for inspection, mainly by tests and the
// daemon's debug endpoints.
func (s *Server) Queue() *Queue {
	return s.queue
}

// Serve answers requests on x until a Shutdown message arrives, the
// exchange closes, or the protocol breaks. Request-level failures (unknown
// loader, missing array, bad selection) are answered on the wire and do not
// stop serving; an undecodable frame does, because the sender and server
// can no longer agree on what follows. On return every snapshot still
// loaded is force-unloaded.
func (s *Server) Serve(x transport.Exchange) error {
	defer s.queue.Close()
	s.log.Infof("serving snapshots on rank %d of %d", x.Rank(), x.Size())

	for {
		src, frame, err := x.ReceiveAny()
		if err != nil {
			if errors.Is(err, errors.ErrConnClosed) {
				s.log.Infof("exchange closed, serve loop stopping")
				return nil
			}
			return errors.Wrap(err, "receiving request")
		}
		m, err := Unmarshal(frame)
		if err != nil {
			return errors.Wrapf(err, "undecodable frame from rank %d", src)
		}

		switch req := m.(type) {
		case *RequestLoadSnapshot:
			err = s.handleLoad(x, src, req)
		case *ReleaseSnapshot:
			s.handleRelease(src, req)
		case *RequestViewMeta:
			err = s.handleViewMeta(x, src, req)
		case *RequestIndexList:
			err = s.handleIndexList(x, src, req)
		case *RequestArray:
			err = s.handleArray(x, src, req)
		case *RequestCatalogue:
			err = s.handleCatalogue(x, src, req)
		case *Shutdown:
			s.log.Infof("shutdown requested by rank %d", src)
			return nil
		default:
			return errors.Newf(errors.ErrProtocol, "rank %d sent %T, which is not a request", src, m)
		}
		if err != nil {
			return err
		}
	}
}

// requestFailed records a request-level failure before it is answered.
func (s *Server) requestFailed(src int, req Message, err error) {
	s.stats.Count(MetricRequestErrors, 1, 1.0)
	s.log.Debugf("%T from rank %d failed: %v", req, src, err)
}

func (s *Server) handleLoad(x transport.Exchange, src int, req *RequestLoadSnapshot) error {
	t := time.Now()
	ds, err := s.queue.Acquire(req.Loader, req.Path)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ConfirmLoadSnapshot{Err: wireError(err)}, src)
	}
	s.stats.Count(MetricSnapshotLoads, 1, 1.0)
	s.stats.Timing(MetricSnapshotLoad, time.Since(t), 1.0)
	return send(x, &ConfirmLoadSnapshot{
		Kind:       ds.Kind(),
		Families:   ds.Families(),
		Properties: ds.Properties(),
	}, src)
}

// handleRelease has no response message: clients fire and forget, often on
// their way out. An unbalanced release decodes fine and is not a protocol
// break, so it is logged and serving continues.
func (s *Server) handleRelease(src int, req *ReleaseSnapshot) {
	if err := s.queue.Release(req.Loader, req.Path); err != nil {
		s.requestFailed(src, req, err)
		return
	}
	s.stats.Count(MetricSnapshotReleases, 1, 1.0)
	s.stats.Gauge(MetricSegmentsLive, float64(s.queue.Segments()), 1.0)
}

// handleViewMeta answers with the snapshot's family table, properties and
// kind. The selection in the request does not change the answer; it is
// there so the server can log what the view is for.
func (s *Server) handleViewMeta(x transport.Exchange, src int, req *RequestViewMeta) error {
	e, err := s.queue.lookup(req.Loader, req.Path)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ReturnViewMeta{Err: wireError(err)}, src)
	}
	s.log.Debugf("rank %d opened a view of %s:%s over %v", src, req.Loader, req.Path, req.Sel.Selection)
	return send(x, &ReturnViewMeta{
		Kind:       e.ds.Kind(),
		Families:   e.ds.Families(),
		Properties: e.ds.Properties(),
	}, src)
}

func (s *Server) handleIndexList(x transport.Exchange, src int, req *RequestIndexList) error {
	e, err := s.queue.lookup(req.Loader, req.Path)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ReturnIndexList{Err: wireError(err)}, src)
	}
	idx, err := e.ds.Select(req.Sel.Selection)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ReturnIndexList{Err: wireError(err)}, src)
	}
	s.stats.Count(MetricIndexQueries, 1, 1.0)
	return send(x, &ReturnIndexList{Indices: idx}, src)
}

func (s *Server) handleCatalogue(x transport.Exchange, src int, req *RequestCatalogue) error {
	e, err := s.queue.lookup(req.Loader, req.Path)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ReturnCatalogue{Err: wireError(err)}, src)
	}
	typeTag := req.TypeTag
	if typeTag == "" {
		typeTag = dataset.DefaultTypeTag
	}
	ids, err := e.ds.CatalogueIDs(typeTag)
	if err != nil {
		s.requestFailed(src, req, err)
		return send(x, &ReturnCatalogue{Err: wireError(err)}, src)
	}
	s.stats.Count(MetricCataloguesServed, 1, 1.0)
	return send(x, &ReturnCatalogue{IDs: ids}, src)
}

// handleArray resolves the requested rows and answers with a ReturnArray
// ack followed, on success, by one ArrayData frame. The server decides the
// frame's form and declares it in the ack: a request comes back shared only
// when it addresses full rows (the All selection) of a snapshot-level
// array, because only those are windows of a union segment. Everything
// else, filtered selections and family-local arrays included, comes back
// as an owned value frame.
func (s *Server) handleArray(x transport.Exchange, src int, req *RequestArray) error {
	e, err := s.queue.lookup(req.Loader, req.Path)
	if err != nil {
		return s.arrayError(x, src, req, err)
	}

	if req.Shared {
		if sa, ok, err := s.resolveShared(e, req); err != nil {
			return s.arrayError(x, src, req, err)
		} else if ok {
			if err := send(x, &ReturnArray{Shared: true}, src); err != nil {
				return err
			}
			s.stats.Count(MetricArraysServed, 1, 1.0)
			return SendSharedArray(x, sa, src)
		}
	}

	out, err := s.resolveValue(e.ds, req)
	if err != nil {
		return s.arrayError(x, src, req, err)
	}
	if err := send(x, &ReturnArray{Shared: false}, src); err != nil {
		return err
	}
	s.stats.Count(MetricArraysServed, 1, 1.0)
	s.stats.Count(MetricBytesOut, int64(out.NumBytes()), 1.0)
	return SendArray(x, out, src)
}

func (s *Server) arrayError(x transport.Exchange, src int, req *RequestArray, err error) error {
	s.requestFailed(src, req, err)
	return send(x, &ReturnArray{Err: wireError(err)}, src)
}

// resolveShared returns the union-segment window covering the request, or
// ok=false when the request cannot be served shared and should fall back to
// a value frame. Serving shared materializes the segment and populates the
// addressed family ranges on first use.
func (s *Server) resolveShared(e *queueEntry, req *RequestArray) (*SharedArray, bool, error) {
	if _, isAll := req.Sel.Selection.(dataset.All); !isAll {
		return nil, false, nil
	}
	if !e.ds.HasSnapshotArray(req.Name) {
		return nil, false, nil
	}
	seg, err := s.unionSegment(e, req.Name, req.Persistent)
	if err != nil {
		return nil, false, err
	}
	if req.Family == "" {
		if err := s.populateAll(e, seg, req.Name); err != nil {
			return nil, false, err
		}
		return seg.sa, true, nil
	}
	fam, err := e.ds.Family(req.Family)
	if err != nil {
		return nil, false, err
	}
	if err := s.populateFamily(e, seg, req.Name, fam); err != nil {
		return nil, false, err
	}
	return seg.sa.Slice(fam.Start, fam.End), true, nil
}

// resolveValue computes the owned array a value-form request addresses:
// whole snapshot or one family, gathered down to the selection when it is
// not All. Gathers copy, so the result never aliases dataset storage that
// a strided view could leak writes into.
func (s *Server) resolveValue(ds *dataset.Dataset, req *RequestArray) (*array.Array, error) {
	if req.Family == "" {
		base, err := ds.Array(req.Name)
		if err != nil {
			return nil, err
		}
		if _, isAll := req.Sel.Selection.(dataset.All); isAll {
			return base, nil
		}
		idx, err := ds.Select(req.Sel.Selection)
		if err != nil {
			return nil, err
		}
		return base.Gather(idx), nil
	}

	fam, err := ds.Family(req.Family)
	if err != nil {
		return nil, err
	}
	fa, err := ds.FamilyArray(req.Family, req.Name)
	if err != nil {
		return nil, err
	}
	if _, isAll := req.Sel.Selection.(dataset.All); isAll {
		return fa, nil
	}
	idx, err := ds.Select(req.Sel.Selection)
	if err != nil {
		return nil, err
	}
	per, err := ds.SplitByFamily(idx)
	if err != nil {
		return nil, err
	}
	famIdx := per[fam.Tag]
	rel := make([]int64, len(famIdx))
	for i, v := range famIdx {
		rel[i] = v - int64(fam.Start)
	}
	return fa.Gather(rel), nil
}

// unionSegment returns the whole-snapshot segment backing the named array,
// creating it on first use. Persistent requests mark the segment to keep
// its name past unload; persistence is never taken back once granted.
func (s *Server) unionSegment(e *queueEntry, name string, persistent bool) (*ownedSegment, error) {
	if seg := e.segments[name]; seg != nil {
		if persistent {
			seg.persistent = true
		}
		return seg, nil
	}
	base, err := e.ds.Array(name)
	if err != nil {
		return nil, err
	}
	sa, err := NewSharedArray(e.segmentName(name), base.DType(), base.Shape()...)
	if err != nil {
		return nil, err
	}
	seg := &ownedSegment{
		sa:         sa,
		persistent: persistent,
		populated:  make(map[string]bool),
	}
	e.segments[name] = seg
	s.log.Debugf("materialized segment %s (%d bytes)", sa.Segment().Name(), sa.NumBytes())
	s.stats.Gauge(MetricSegmentsLive, float64(s.queue.Segments()), 1.0)
	return seg, nil
}

// populateFamily copies one family's rows from the dataset into the union
// segment, once. Ranges already populated are left alone: clients may have
// written through live whole-array views, and a second copy would silently
// undo them.
func (s *Server) populateFamily(e *queueEntry, seg *ownedSegment, name string, fam dataset.Family) error {
	if seg.populated[fam.Tag] {
		return nil
	}
	src, err := e.ds.FamilyArray(fam.Tag, name)
	if err != nil {
		return err
	}
	if err := seg.sa.Slice(fam.Start, fam.End).CopyFrom(src); err != nil {
		return err
	}
	seg.populated[fam.Tag] = true
	return nil
}

func (s *Server) populateAll(e *queueEntry, seg *ownedSegment, name string) error {
	for _, fam := range e.ds.Families() {
		if err := s.populateFamily(e, seg, name, fam); err != nil {
			return err
		}
	}
	return nil
}
