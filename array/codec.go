// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package array

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/haloscope/snapserve/errors"
)

// Array transfer frames come in two forms. The form byte is first in every
// frame; callers consume it with ReadForm and then read the matching body.
const (
	FormValue  int8 = 0x01 // element data travels in the frame
	FormShared int8 = 0x02 // frame names a shared-memory segment instead
)

// Element data larger than this is rejected before allocation. Keeps a
// corrupt or hostile header from sizing a giant buffer.
const maxFrameElems = 1 << 36

// Handle describes an array living in a named shared-memory segment. The
// receiver maps the segment and applies shape/strides/offset to get a live
// window; no element data travels with it.
type Handle struct {
	Name    string
	DType   DType
	Shape   []int
	Strides []int
	Offset  int
}

// View wraps the mapped segment bytes as the live Array the handle
// describes.
func (h Handle) View(data []byte) (*Array, error) {
	return NewOver(data, h.DType, h.Shape, h.Strides, h.Offset)
}

// ReadForm consumes and returns the form byte of a transfer frame.
func ReadForm(reader io.Reader) (int8, error) {
	var form int8
	if err := binary.Read(reader, binary.BigEndian, &form); err != nil {
		return 0, errors.Wrap(err, "reading array frame form")
	}
	if form != FormValue && form != FormShared {
		return 0, errors.Newf(errors.ErrTransfer, "unknown array frame form %d", form)
	}
	return form, nil
}

// FormValue frame
// 					length (bytes)
// form				1
// dtype			1
// rank				1
// (rank) dims		8 each
// data				element size * product(dims), big-endian, row-major

// WriteValue encodes a as a value frame. A strided source is compacted
// during the walk; the source itself is never copied or reshaped.
func WriteValue(a *Array) []byte {
	buf := new(bytes.Buffer)
	writer := bufio.NewWriter(buf)
	writeInt8(writer, FormValue)
	writeInt8(writer, int8(a.dtype))
	writeInt8(writer, int8(len(a.shape)))
	for _, dim := range a.shape {
		writeInt64(writer, int64(dim))
	}
	size := a.dtype.Size()
	data := make([]byte, a.NumBytes())
	at := 0
	rows, width := a.Len(), a.Width()
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if size == 4 {
				binary.BigEndian.PutUint32(data[at:], uint32(a.bits(i, j)))
			} else {
				binary.BigEndian.PutUint64(data[at:], a.bits(i, j))
			}
			at += size
		}
	}
	writer.Write(data)
	writer.Flush()
	return buf.Bytes()
}

// ReadValue decodes a value frame body (form byte already consumed) into an
// owned contiguous Array.
func ReadValue(reader io.Reader) (*Array, error) {
	dtype, shape, err := readHeader(reader)
	if err != nil {
		return nil, err
	}
	a := New(dtype, shape...)
	data := make([]byte, a.NumBytes())
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes of %v element data", len(data), a)
	}
	size := dtype.Size()
	at := 0
	rows, width := a.Len(), a.Width()
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if size == 4 {
				a.setBits(i, j, uint64(binary.BigEndian.Uint32(data[at:])))
			} else {
				a.setBits(i, j, binary.BigEndian.Uint64(data[at:]))
			}
			at += size
		}
	}
	return a, nil
}

// FormShared frame
// 					length (bytes)
// form				1
// dtype			1
// rank				1
// (rank) dims		8 each
// (rank) strides	8 each
// offset			8
// name length		2
// name				(from prev)

// WriteHandle encodes h as a shared frame.
func WriteHandle(h Handle) []byte {
	buf := new(bytes.Buffer)
	writer := bufio.NewWriter(buf)
	writeInt8(writer, FormShared)
	writeInt8(writer, int8(h.DType))
	writeInt8(writer, int8(len(h.Shape)))
	for _, dim := range h.Shape {
		writeInt64(writer, int64(dim))
	}
	for _, s := range h.Strides {
		writeInt64(writer, int64(s))
	}
	writeInt64(writer, int64(h.Offset))
	writeInt16(writer, int16(len(h.Name)))
	writer.WriteString(h.Name)
	writer.Flush()
	return buf.Bytes()
}

// ReadHandle decodes a shared frame body (form byte already consumed). The
// handle is validated against its own segment when it is mapped, not here.
func ReadHandle(reader io.Reader) (Handle, error) {
	dtype, shape, err := readHeader(reader)
	if err != nil {
		return Handle{}, err
	}
	strides := make([]int, len(shape))
	for i := range strides {
		var s int64
		if err := binary.Read(reader, binary.BigEndian, &s); err != nil {
			return Handle{}, errors.Wrap(err, "reading handle strides")
		}
		if s < 0 {
			return Handle{}, errors.Newf(errors.ErrTransfer, "negative stride %d in handle", s)
		}
		strides[i] = int(s)
	}
	var offset int64
	if err := binary.Read(reader, binary.BigEndian, &offset); err != nil {
		return Handle{}, errors.Wrap(err, "reading handle offset")
	}
	if offset < 0 {
		return Handle{}, errors.Newf(errors.ErrTransfer, "negative offset %d in handle", offset)
	}
	var nameLen int16
	if err := binary.Read(reader, binary.BigEndian, &nameLen); err != nil {
		return Handle{}, errors.Wrap(err, "reading handle name length")
	}
	if nameLen <= 0 {
		return Handle{}, errors.Newf(errors.ErrTransfer, "invalid segment name length %d", nameLen)
	}
	bname := make([]byte, nameLen)
	if _, err := io.ReadFull(reader, bname); err != nil {
		return Handle{}, errors.Wrap(err, "reading handle segment name")
	}
	return Handle{
		Name:    string(bname),
		DType:   dtype,
		Shape:   shape,
		Strides: strides,
		Offset:  int(offset),
	}, nil
}

// readHeader reads the dtype/rank/dims prefix shared by both frame forms.
func readHeader(reader io.Reader) (DType, []int, error) {
	var dtype int8
	if err := binary.Read(reader, binary.BigEndian, &dtype); err != nil {
		return 0, nil, errors.Wrap(err, "reading array frame dtype")
	}
	d := DType(dtype)
	if d.Size() == 0 {
		return 0, nil, errors.Newf(errors.ErrTransfer, "unknown dtype code %d", dtype)
	}
	var rank int8
	if err := binary.Read(reader, binary.BigEndian, &rank); err != nil {
		return 0, nil, errors.Wrap(err, "reading array frame rank")
	}
	if rank < 1 || rank > 2 {
		return 0, nil, errors.Newf(errors.ErrTransfer, "unsupported array rank %d", rank)
	}
	shape := make([]int, rank)
	elems := int64(1)
	for i := range shape {
		var dim int64
		if err := binary.Read(reader, binary.BigEndian, &dim); err != nil {
			return 0, nil, errors.Wrap(err, "reading array frame dims")
		}
		if dim < 0 {
			return 0, nil, errors.Newf(errors.ErrTransfer, "negative dimension %d", dim)
		}
		shape[i] = int(dim)
		if dim > 0 {
			elems *= dim
		}
		if elems > maxFrameElems {
			return 0, nil, errors.Newf(errors.ErrTransfer, "array frame of %v elements rejected", shape)
		}
	}
	return d, shape, nil
}

func (a *Array) setBits(i, j int, v uint64) {
	p := a.ptr(i, j)
	if a.dtype.Size() == 4 {
		*(*uint32)(p) = uint32(v)
	} else {
		*(*uint64)(p) = v
	}
}

func writeInt8(w io.Writer, i int8) {
	b := make([]byte, 1)
	b[0] = byte(i)
	w.Write(b)
}

func writeInt16(w io.Writer, i int16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(i))
	w.Write(b)
}

func writeInt64(w io.Writer, i int64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	w.Write(b)
}
