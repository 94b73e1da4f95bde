// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"bytes"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/shm"
	"github.com/haloscope/snapserve/transport"
)

// SharedArray couples a live array view with the named shared-memory
// segment backing it. Writes through the view are visible to every process
// that maps the segment. The creator of the segment is its owner; only the
// owner unlinks.
type SharedArray struct {
	*array.Array
	seg *shm.Segment
}

// Segment returns the backing segment.
func (sa *SharedArray) Segment() *shm.Segment { return sa.seg }

// Slice is Array.Slice keeping the segment association, so a row window of
// a shared array can itself travel in shared form.
func (sa *SharedArray) Slice(lo, hi int) *SharedArray {
	return &SharedArray{Array: sa.Array.Slice(lo, hi), seg: sa.seg}
}

// Column is Array.Column keeping the segment association.
func (sa *SharedArray) Column(j int) *SharedArray {
	return &SharedArray{Array: sa.Array.Column(j), seg: sa.seg}
}

// Close drops this process's mapping. The data survives for other mappers;
// the name survives until the owner unlinks.
func (sa *SharedArray) Close() error { return sa.seg.Close() }

// NewSharedArray creates a named segment sized for a packed dtype/shape
// array and returns the zeroed whole-segment view over it.
func NewSharedArray(name string, dtype array.DType, shape ...int) (*SharedArray, error) {
	strides := array.ContiguousStrides(dtype, shape)
	n := dtype.Size()
	for _, dim := range shape {
		n *= dim
	}
	seg, err := shm.Create(name, n)
	if err != nil {
		return nil, err
	}
	a, err := array.NewOver(seg.Data(), dtype, shape, strides, 0)
	if err != nil {
		seg.Close()
		seg.Unlink()
		return nil, err
	}
	return &SharedArray{Array: a, seg: seg}, nil
}

// ShareArray copies a into a fresh named segment and returns the live
// packed view: the step that turns an owned array into one sendable in
// shared form.
func ShareArray(name string, a *array.Array) (*SharedArray, error) {
	sa, err := NewSharedArray(name, a.DType(), a.Shape()...)
	if err != nil {
		return nil, err
	}
	if err := sa.CopyFrom(a); err != nil {
		sa.seg.Close()
		sa.seg.Unlink()
		return nil, err
	}
	return sa, nil
}

// SendArray ships a's full contents to dest as one value frame. A strided
// source is compacted on the wire; the source itself is untouched.
func SendArray(x transport.Exchange, a *array.Array, dest int) error {
	return send(x, &ArrayData{Body: array.WriteValue(a)}, dest)
}

// SendSharedArray ships only sa's handle: segment name, dtype, shape,
// strides and byte offset. A strided window keeps its stride metadata and
// moves no element data.
func SendSharedArray(x transport.Exchange, sa *SharedArray, dest int) error {
	h := array.Handle{
		Name:    sa.seg.Name(),
		DType:   sa.DType(),
		Shape:   sa.Shape(),
		Strides: sa.Strides(),
		Offset:  sa.Offset(),
	}
	return send(x, &ArrayData{Body: array.WriteHandle(h)}, dest)
}

// receiveFrame pulls the next ArrayData frame from src and consumes its
// form byte.
func receiveFrame(x transport.Exchange, src int) (int8, *bytes.Reader, error) {
	msg, err := expect[*ArrayData](x, src)
	if err != nil {
		return 0, nil, err
	}
	r := bytes.NewReader(msg.Body)
	form, err := array.ReadForm(r)
	if err != nil {
		return 0, nil, err
	}
	return form, r, nil
}

// ReceiveArray receives a value frame from src as an owned local array.
// The receiver declares what it expects: a shared handle arriving instead
// is a transfer error, never silently mapped.
func ReceiveArray(x transport.Exchange, src int) (*array.Array, error) {
	form, r, err := receiveFrame(x, src)
	if err != nil {
		return nil, err
	}
	if form != array.FormValue {
		return nil, errors.New(errors.ErrTransfer, "expected a value frame, got a shared handle")
	}
	return array.ReadValue(r)
}

// ReceiveArrayHandle receives a shared frame from src without mapping its
// segment, for callers that pool segment mappings.
func ReceiveArrayHandle(x transport.Exchange, src int) (array.Handle, error) {
	form, r, err := receiveFrame(x, src)
	if err != nil {
		return array.Handle{}, err
	}
	if form != array.FormShared {
		return array.Handle{}, errors.New(errors.ErrTransfer, "expected a shared handle, got a value frame")
	}
	return array.ReadHandle(r)
}

// ReceiveSharedArray receives a shared frame from src, maps the named
// segment, and returns the live view. It does not copy: writes on either
// side of the transfer are visible to the other.
func ReceiveSharedArray(x transport.Exchange, src int) (*SharedArray, error) {
	h, err := ReceiveArrayHandle(x, src)
	if err != nil {
		return nil, err
	}
	seg, err := shm.Open(h.Name)
	if err != nil {
		return nil, err
	}
	a, err := h.View(seg.Data())
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &SharedArray{Array: a, seg: seg}, nil
}
