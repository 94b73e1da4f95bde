// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package snapserve implements a client/server protocol for serving slices
// of in-memory particle snapshots to worker ranks over a point-to-point
// transport: tagged message framing, value and shared-memory array
// transfer, a refcounted snapshot queue, the server dispatch loop, and
// lazy client-side snapshot views.
package snapserve

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/transport"
)

// Tag identifies a registered message type on the wire. Every frame starts
// with the tag as a big-endian int16 followed by the message body. Bodies
// are JSON except ArrayData, which carries the binary array codec.
type Tag int16

// The registry. Tags are wire format: do not renumber.
const (
	TagRequestLoadSnapshot Tag = iota + 1
	TagConfirmLoadSnapshot
	TagReleaseSnapshot
	TagRequestArray
	TagReturnArray
	TagRequestIndexList
	TagReturnIndexList
	TagRequestViewMeta
	TagReturnViewMeta
	TagCatalogue
	TagRequestCatalogue
	TagReturnCatalogue
	TagShutdown
	TagArrayData
)

// Message is implemented by every type that can travel in a tagged frame.
type Message interface {
	MessageTag() Tag
}

// RequestLoadSnapshot asks the server to load, or add a reference to, the
// snapshot at Path readable by the named loader.
type RequestLoadSnapshot struct {
	Loader string `json:"loader"`
	Path   string `json:"path"`
}

func (*RequestLoadSnapshot) MessageTag() Tag { return TagRequestLoadSnapshot }

// ConfirmLoadSnapshot answers RequestLoadSnapshot. On success it carries
// the snapshot's family table, numeric properties and kind; on failure only
// Err is set.
type ConfirmLoadSnapshot struct {
	Err        string             `json:"err,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Families   []dataset.Family   `json:"families,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
}

func (*ConfirmLoadSnapshot) MessageTag() Tag { return TagConfirmLoadSnapshot }

// ReleaseSnapshot drops one reference to a loaded snapshot.
type ReleaseSnapshot struct {
	Loader string `json:"loader"`
	Path   string `json:"path"`
}

func (*ReleaseSnapshot) MessageTag() Tag { return TagReleaseSnapshot }

// RequestArray asks for the named array restricted to Sel. Family narrows
// the result to one family's rows; empty means the whole snapshot. Shared
// asks for segment-backed delivery; Persistent additionally marks the
// backing segment to outlive the snapshot's queue entry.
type RequestArray struct {
	Loader     string                `json:"loader"`
	Path       string                `json:"path"`
	Sel        dataset.WireSelection `json:"sel"`
	Name       string                `json:"name"`
	Family     string                `json:"family,omitempty"`
	Shared     bool                  `json:"shared,omitempty"`
	Persistent bool                  `json:"persistent,omitempty"`
}

func (*RequestArray) MessageTag() Tag { return TagRequestArray }

// ReturnArray acknowledges RequestArray. When Err is empty an ArrayData
// frame follows on the same (server, client) pair; Shared tells the
// receiver which form it takes. A shared request can still come back in
// value form when the array has no whole-snapshot segment to window (it is
// family-local).
type ReturnArray struct {
	Err    string `json:"err,omitempty"`
	Shared bool   `json:"shared,omitempty"`
}

func (*ReturnArray) MessageTag() Tag { return TagReturnArray }

// RequestIndexList asks which whole-snapshot particle indices Sel covers.
type RequestIndexList struct {
	Loader string                `json:"loader"`
	Path   string                `json:"path"`
	Sel    dataset.WireSelection `json:"sel"`
}

func (*RequestIndexList) MessageTag() Tag { return TagRequestIndexList }

// ReturnIndexList carries the sorted whole-snapshot indices the selection
// covers. Receivers derive per-family runs from the family table.
type ReturnIndexList struct {
	Err     string  `json:"err,omitempty"`
	Indices []int64 `json:"indices,omitempty"`
}

func (*ReturnIndexList) MessageTag() Tag { return TagReturnIndexList }

// RequestViewMeta asks for the metadata a view holds from open onward:
// family table, numeric properties, snapshot kind.
type RequestViewMeta struct {
	Loader string                `json:"loader"`
	Path   string                `json:"path"`
	Sel    dataset.WireSelection `json:"sel"`
}

func (*RequestViewMeta) MessageTag() Tag { return TagRequestViewMeta }

// ReturnViewMeta answers RequestViewMeta.
type ReturnViewMeta struct {
	Err        string             `json:"err,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Families   []dataset.Family   `json:"families,omitempty"`
	Properties map[string]float64 `json:"properties,omitempty"`
}

func (*ReturnViewMeta) MessageTag() Tag { return TagReturnViewMeta }

// CatalogueMessage carries a dense particle-to-object id table between any
// two ranks.
type CatalogueMessage struct {
	IDs []uint64 `json:"ids,omitempty"`
}

func (*CatalogueMessage) MessageTag() Tag { return TagCatalogue }

// RequestCatalogue asks the server for a snapshot's object catalogue.
type RequestCatalogue struct {
	Loader  string `json:"loader"`
	Path    string `json:"path"`
	TypeTag string `json:"typeTag,omitempty"`
}

func (*RequestCatalogue) MessageTag() Tag { return TagRequestCatalogue }

// ReturnCatalogue answers RequestCatalogue.
type ReturnCatalogue struct {
	Err string   `json:"err,omitempty"`
	IDs []uint64 `json:"ids,omitempty"`
}

func (*ReturnCatalogue) MessageTag() Tag { return TagReturnCatalogue }

// Shutdown asks the serve loop to drain and return.
type Shutdown struct{}

func (*Shutdown) MessageTag() Tag { return TagShutdown }

// ArrayData is the bulk frame. Its body is the binary array codec payload,
// not JSON; SendArray and ReceiveArray produce and consume it. It is
// registered here so the tag space stays in one place.
type ArrayData struct {
	Body []byte `json:"-"`
}

func (*ArrayData) MessageTag() Tag { return TagArrayData }

// newMessage returns a fresh instance for tag, or nil if the tag is not
// registered.
func newMessage(tag Tag) Message {
	switch tag {
	case TagRequestLoadSnapshot:
		return &RequestLoadSnapshot{}
	case TagConfirmLoadSnapshot:
		return &ConfirmLoadSnapshot{}
	case TagReleaseSnapshot:
		return &ReleaseSnapshot{}
	case TagRequestArray:
		return &RequestArray{}
	case TagReturnArray:
		return &ReturnArray{}
	case TagRequestIndexList:
		return &RequestIndexList{}
	case TagReturnIndexList:
		return &ReturnIndexList{}
	case TagRequestViewMeta:
		return &RequestViewMeta{}
	case TagReturnViewMeta:
		return &ReturnViewMeta{}
	case TagCatalogue:
		return &CatalogueMessage{}
	case TagRequestCatalogue:
		return &RequestCatalogue{}
	case TagReturnCatalogue:
		return &ReturnCatalogue{}
	case TagShutdown:
		return &Shutdown{}
	case TagArrayData:
		return &ArrayData{}
	default:
		return nil
	}
}

// Marshal frames m: two bytes of big-endian tag, then the body.
func Marshal(m Message) ([]byte, error) {
	var body []byte
	switch v := m.(type) {
	case *ArrayData:
		body = v.Body
	default:
		var err error
		body, err = json.Marshal(m)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling %T", m)
		}
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf[:2], uint16(m.MessageTag()))
	copy(buf[2:], body)
	return buf, nil
}

// Unmarshal decodes a framed message. Unknown tags and bodies that do not
// decode as the tag's registered type fail with a protocol error.
func Unmarshal(frame []byte) (Message, error) {
	if len(frame) < 2 {
		return nil, errors.Newf(errors.ErrProtocol, "frame of %d bytes is too short for a tag", len(frame))
	}
	tag := Tag(binary.BigEndian.Uint16(frame[:2]))
	body := frame[2:]
	m := newMessage(tag)
	if m == nil {
		return nil, errors.Newf(errors.ErrProtocol, "unknown message tag %d", tag)
	}
	if a, ok := m.(*ArrayData); ok {
		a.Body = body
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(m); err != nil {
		return nil, errors.Newf(errors.ErrProtocol, "decoding tag %d body: %v", tag, err)
	}
	return m, nil
}

// send frames m and ships it to dest.
func send(x transport.Exchange, m Message, dest int) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	return x.Send(frame, dest)
}

// expect receives the next frame from src and requires it to decode to T.
// Any other arriving tag is a protocol error: the protocol never buffers or
// coerces out-of-turn messages.
func expect[T Message](x transport.Exchange, src int) (T, error) {
	var zero T
	frame, err := x.Receive(src)
	if err != nil {
		return zero, err
	}
	m, err := Unmarshal(frame)
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, errors.Newf(errors.ErrProtocol, "expected %T from rank %d, got %T", zero, src, m)
	}
	return v, nil
}

// wireError renders err for a response body. Empty means success.
func wireError(err error) string {
	if err == nil {
		return ""
	}
	return errors.MarshalJSON(err)
}

// errFromWire reverses wireError, recovering the error code so callers can
// match on it with errors.Is.
func errFromWire(s string) error {
	if s == "" {
		return nil
	}
	return errors.UnmarshalJSON(strings.NewReader(s))
}
