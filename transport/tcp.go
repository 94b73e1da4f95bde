// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/logger"
)

// TCP frames. Every frame travels through rank 0: peers hold a single
// connection to the hub, and the hub forwards peer-to-peer frames. A star
// keeps connection count linear in ranks, which fits the protocol's shape of
// one data-holding rank serving many workers.
//
// frame
// 					length (bytes)
// kind				1
// src				4
// dst				4
// payload length	4
// payload			(from prev)
const (
	frameHello   int8 = 0x01
	frameData    int8 = 0x02
	frameBarrier int8 = 0x03
	frameRelease int8 = 0x04
)

type frame struct {
	kind    int8
	src     int32
	dst     int32
	payload []byte
}

// peerConn serializes writes to one connection; the hub's own sends and its
// forwarding of other ranks' frames interleave on the same conn.
type peerConn struct {
	wmu  sync.Mutex
	conn net.Conn
}

func (p *peerConn) writeFrame(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	var hdr [13]byte
	hdr[0] = byte(f.kind)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(f.src))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(f.dst))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(f.payload)))
	if _, err := p.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) == 0 {
		return nil
	}
	_, err := p.conn.Write(f.payload)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		kind: int8(hdr[0]),
		src:  int32(binary.BigEndian.Uint32(hdr[1:5])),
		dst:  int32(binary.BigEndian.Uint32(hdr[5:9])),
	}
	if n := binary.BigEndian.Uint32(hdr[9:13]); n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

// TCP is one rank of a TCP-connected group. Rank 0 listens and routes;
// other ranks hold one connection to rank 0.
type TCP struct {
	rank int
	size int
	log  logger.Logger

	conns []*peerConn // hub: indexed by rank, nil at self; peer: index 0 only
	inbox *inbox      // inbound payloads, queued per source rank

	bmu        sync.Mutex
	bcond      *sync.Cond
	arrived    int
	generation int
	closed     bool

	closeOnce sync.Once
	listener  net.Listener
}

var _ Exchange = (*TCP)(nil)

func newTCP(rank, size int, log logger.Logger) *TCP {
	if log == nil {
		log = logger.NopLogger
	}
	t := &TCP{
		rank:  rank,
		size:  size,
		log:   log.WithPrefix("tcp: "),
		conns: make([]*peerConn, size),
		inbox: newInbox(size),
	}
	t.bcond = sync.NewCond(&t.bmu)
	return t
}

// ListenTCP starts rank 0: it listens on addr, waits for the other size-1
// ranks to connect and identify themselves, and then serves as the group's
// router until Close. It blocks until the group is complete.
func ListenTCP(addr string, size int, log logger.Logger) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	return AcceptTCP(ln, size, log)
}

// AcceptTCP runs rank 0's rendezvous over an already-bound listener. Callers
// that need the chosen port (bind to ":0") or want to abort a pending
// rendezvous by closing ln open the listener themselves and hand it over;
// AcceptTCP owns ln from here on. It blocks until the group is complete.
func AcceptTCP(ln net.Listener, size int, log logger.Logger) (*TCP, error) {
	if size < 1 {
		ln.Close()
		return nil, errors.Newf(errors.ErrProtocol, "group size %d", size)
	}
	addr := ln.Addr().String()
	t := newTCP(0, size, log)
	t.listener = ln
	joined := 0
	for joined < size-1 {
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return nil, errors.Wrapf(err, "accepting rank connections on %s", addr)
		}
		hello, err := readFrame(conn)
		if err != nil || hello.kind != frameHello {
			conn.Close()
			ln.Close()
			return nil, errors.New(errors.ErrProtocol, "connection did not identify itself")
		}
		r := int(hello.src)
		if r < 1 || r >= size || t.conns[r] != nil {
			conn.Close()
			ln.Close()
			return nil, errors.Newf(errors.ErrProtocol, "bad or duplicate rank %d joining", r)
		}
		t.conns[r] = &peerConn{conn: conn}
		joined++
		t.log.Debugf("rank %d joined (%d/%d)", r, joined, size-1)
	}
	for r, pc := range t.conns {
		if pc == nil {
			continue
		}
		go t.hubReader(r, pc)
	}
	t.log.Infof("exchange up: %d ranks via %s", size, addr)
	return t, nil
}

// DialTCP joins rank (>0) to the group whose rank 0 listens at addr.
func DialTCP(addr string, rank, size int, log logger.Logger) (*TCP, error) {
	if rank < 1 || rank >= size {
		return nil, errors.Newf(errors.ErrProtocol, "rank %d of %d cannot dial", rank, size)
	}
	t := newTCP(rank, size, log)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	pc := &peerConn{conn: conn}
	t.conns[0] = pc
	if err := pc.writeFrame(frame{kind: frameHello, src: int32(rank)}); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "identifying as rank %d", rank)
	}
	go t.peerReader(pc)
	return t, nil
}

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

func (t *TCP) Send(payload []byte, dest int) error {
	if dest < 0 || dest >= t.size {
		return errors.Newf(errors.ErrProtocol, "send to rank %d of %d", dest, t.size)
	}
	if dest == t.rank {
		return t.inbox.put(t.rank, payload)
	}
	f := frame{kind: frameData, src: int32(t.rank), dst: int32(dest), payload: payload}
	var pc *peerConn
	if t.rank == 0 {
		pc = t.conns[dest]
	} else {
		pc = t.conns[0]
	}
	if err := pc.writeFrame(f); err != nil {
		t.Close()
		return errors.Wrapf(err, "sending %d bytes to rank %d", len(payload), dest)
	}
	return nil
}

func (t *TCP) Receive(src int) ([]byte, error) {
	if src < 0 || src >= t.size {
		return nil, errors.Newf(errors.ErrProtocol, "receive from rank %d of %d", src, t.size)
	}
	return t.inbox.take(src)
}

func (t *TCP) ReceiveAny() (int, []byte, error) {
	return t.inbox.takeAny()
}

// hubReader drains one peer's connection at rank 0, delivering frames for
// the hub and forwarding the rest.
func (t *TCP) hubReader(src int, pc *peerConn) {
	for {
		f, err := readFrame(pc.conn)
		if err != nil {
			if err != io.EOF {
				t.log.Debugf("rank %d reader: %v", src, err)
			}
			t.Close()
			return
		}
		switch f.kind {
		case frameData:
			if int(f.dst) == 0 {
				t.inbox.put(src, f.payload) //nolint:errcheck
				continue
			}
			if int(f.dst) >= t.size || t.conns[f.dst] == nil {
				t.log.Errorf("dropping frame from rank %d to unknown rank %d", src, f.dst)
				continue
			}
			if err := t.conns[f.dst].writeFrame(f); err != nil {
				t.log.Errorf("forwarding rank %d frame to rank %d: %v", src, f.dst, err)
				t.Close()
				return
			}
		case frameBarrier:
			t.barrierArrive()
		default:
			t.log.Errorf("unexpected frame kind %d from rank %d", f.kind, src)
			t.Close()
			return
		}
	}
}

// peerReader drains the hub connection at a non-zero rank.
func (t *TCP) peerReader(pc *peerConn) {
	for {
		f, err := readFrame(pc.conn)
		if err != nil {
			if err != io.EOF {
				t.log.Debugf("hub reader: %v", err)
			}
			t.Close()
			return
		}
		switch f.kind {
		case frameData:
			if int(f.src) >= 0 && int(f.src) < t.size {
				t.inbox.put(int(f.src), f.payload) //nolint:errcheck
			}
		case frameRelease:
			t.bmu.Lock()
			t.generation++
			t.bcond.Broadcast()
			t.bmu.Unlock()
		default:
			t.log.Errorf("unexpected frame kind %d from hub", f.kind)
			t.Close()
			return
		}
	}
}

// barrierArrive records one rank entering the barrier at the hub. Whoever
// completes the set releases everyone: remote ranks by frame, the hub's own
// waiter by condition broadcast.
func (t *TCP) barrierArrive() {
	t.bmu.Lock()
	defer t.bmu.Unlock()
	t.arrived++
	if t.arrived < t.size {
		return
	}
	t.arrived = 0
	t.generation++
	for _, pc := range t.conns {
		if pc == nil {
			continue
		}
		if err := pc.writeFrame(frame{kind: frameRelease, src: 0}); err != nil {
			t.log.Errorf("releasing barrier: %v", err)
		}
	}
	t.bcond.Broadcast()
}

func (t *TCP) Barrier() error {
	t.bmu.Lock()
	if t.closed {
		t.bmu.Unlock()
		return errors.New(errors.ErrConnClosed, "barrier on closed exchange")
	}
	gen := t.generation
	t.bmu.Unlock()

	if t.rank == 0 {
		t.barrierArrive()
	} else {
		if err := t.conns[0].writeFrame(frame{kind: frameBarrier, src: int32(t.rank)}); err != nil {
			t.Close()
			return errors.Wrap(err, "entering barrier")
		}
	}

	t.bmu.Lock()
	defer t.bmu.Unlock()
	for t.generation == gen && !t.closed {
		t.bcond.Wait()
	}
	if t.generation == gen {
		return errors.New(errors.ErrConnClosed, "barrier on closed exchange")
	}
	return nil
}

// Close tears the rank down: connections drop, queued payloads stay
// readable, and blocked receivers or barrier waiters get a closed error.
// Closing any rank unravels the group, since the star routes through one
// point.
func (t *TCP) Close() {
	t.closeOnce.Do(func() {
		t.bmu.Lock()
		t.closed = true
		t.bcond.Broadcast()
		t.bmu.Unlock()
		if t.listener != nil {
			t.listener.Close()
		}
		for _, pc := range t.conns {
			if pc != nil {
				pc.conn.Close()
			}
		}
		t.inbox.close()
		t.log.Debugf("rank %d closed", t.rank)
	})
}
