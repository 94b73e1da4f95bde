// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package array implements the numeric arrays the snapshot protocol ships
// around: dtype-tagged, one- or two-dimensional, with explicit byte strides
// so an Array can be an owned buffer, a row range of another Array, a single
// column of a 2-D array, or a live window into a shared-memory segment,
// all behind the same type.
package array

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/haloscope/snapserve/errors"
)

// DType identifies the element type of an Array. The numeric values are
// stable wire codes.
type DType int8

const (
	Float32 DType = 1
	Float64 DType = 2
	Int32   DType = 3
	Int64   DType = 4
)

// Size returns the element width in bytes, or 0 for an invalid code.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("DType(%d)", int8(d))
}

// Element enumerates the Go element types an Array can hold.
type Element interface {
	constraints.Float | ~int32 | ~int64
}

// Array is a dtype-tagged numeric array over a byte buffer. Shape is (rows)
// or (rows, width); strides are in bytes and must be multiples of the element
// size, so every element load is aligned. Views produced by Slice and Column
// share the backing buffer with their parent; whether that buffer is heap
// memory or a shared-memory mapping is invisible here.
type Array struct {
	dtype   DType
	shape   []int
	strides []int
	offset  int
	data    []byte
}

// contiguousStrides returns row-major strides for shape.
func contiguousStrides(shape []int, size int) []int {
	strides := make([]int, len(shape))
	acc := size
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// ContiguousStrides returns the row-major byte strides of a packed array of
// the given dtype and shape, for callers laying out views over raw buffers.
func ContiguousStrides(dtype DType, shape []int) []int {
	return contiguousStrides(shape, dtype.Size())
}

func validShape(shape []int) bool {
	if len(shape) < 1 || len(shape) > 2 {
		return false
	}
	for _, dim := range shape {
		if dim < 0 {
			return false
		}
	}
	return true
}

// span returns the number of backing bytes addressed past the offset, i.e.
// the end of the last element relative to offset. Zero for empty arrays.
func span(dtype DType, shape, strides []int) int {
	end := dtype.Size()
	for i, dim := range shape {
		if dim == 0 {
			return 0
		}
		end += (dim - 1) * strides[i]
	}
	return end
}

// New allocates an owned, zeroed, row-major Array. It panics on an invalid
// dtype or shape; constructing arrays from untrusted input goes through
// NewOver instead.
func New(dtype DType, shape ...int) *Array {
	if dtype.Size() == 0 || !validShape(shape) {
		panic(fmt.Sprintf("array: New(%v, %v): invalid dtype or shape", dtype, shape))
	}
	n := dtype.Size()
	for _, dim := range shape {
		n *= dim
	}
	return &Array{
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape, dtype.Size()),
		data:    make([]byte, n),
	}
}

// NewOver wraps an existing buffer (typically a shared-memory mapping) as an
// Array without copying. shape, strides and offset describe the window;
// every addressable element must fall inside data and sit on an element-size
// boundary. Violations return a TransferError since they normally indicate a
// handle that does not match its segment.
func NewOver(data []byte, dtype DType, shape, strides []int, offset int) (*Array, error) {
	if dtype.Size() == 0 {
		return nil, errors.Newf(errors.ErrTransfer, "unknown dtype code %d", int8(dtype))
	}
	if !validShape(shape) || len(strides) != len(shape) {
		return nil, errors.Newf(errors.ErrTransfer, "invalid shape %v / strides %v", shape, strides)
	}
	if offset < 0 || offset%dtype.Size() != 0 {
		return nil, errors.Newf(errors.ErrTransfer, "misaligned offset %d for %v", offset, dtype)
	}
	for _, s := range strides {
		if s < 0 || s%dtype.Size() != 0 {
			return nil, errors.Newf(errors.ErrTransfer, "misaligned strides %v for %v", strides, dtype)
		}
	}
	if offset+span(dtype, shape, strides) > len(data) {
		return nil, errors.Newf(errors.ErrTransfer, "array %v%v at offset %d overruns %d-byte buffer",
			dtype, shape, offset, len(data))
	}
	return &Array{
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: append([]int(nil), strides...),
		offset:  offset,
		data:    data,
	}, nil
}

func dtypeFor(kind reflect.Kind) DType {
	switch kind {
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	}
	return 0
}

// DTypeOf returns the DType for element type T.
func DTypeOf[T Element]() DType {
	var z T
	d := dtypeFor(reflect.TypeOf(z).Kind())
	if d == 0 {
		panic(fmt.Sprintf("array: unsupported element type %T", z))
	}
	return d
}

// Of builds an owned Array holding a copy of vals. With no shape it is
// one-dimensional; otherwise the shape's element count must equal len(vals).
func Of[T Element](vals []T, shape ...int) *Array {
	if len(shape) == 0 {
		shape = []int{len(vals)}
	}
	a := New(DTypeOf[T](), shape...)
	if a.NumElems() != len(vals) {
		panic(fmt.Sprintf("array: Of: %d values do not fill shape %v", len(vals), shape))
	}
	if len(vals) > 0 {
		copy(a.data, unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*a.dtype.Size()))
	}
	return a
}

// Data returns a's elements as a typed slice sharing a's backing memory.
// Only contiguous arrays of exactly T's dtype qualify; writes through the
// slice are writes into the array (and, for a segment-backed array, into the
// shared mapping).
func Data[T Element](a *Array) ([]T, error) {
	if DTypeOf[T]() != a.dtype {
		return nil, errors.Newf(errors.ErrTransfer, "array is %v, not %v", a.dtype, DTypeOf[T]())
	}
	if !a.Contiguous() {
		return nil, errors.New(errors.ErrTransfer, "array is not contiguous")
	}
	n := a.NumElems()
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.data[a.offset])), n), nil
}

// Values returns a copy of a's elements as a flat row-major slice. Unlike
// Data it accepts strided arrays.
func Values[T Element](a *Array) ([]T, error) {
	if DTypeOf[T]() != a.dtype {
		return nil, errors.Newf(errors.ErrTransfer, "array is %v, not %v", a.dtype, DTypeOf[T]())
	}
	out := make([]T, 0, a.NumElems())
	rows, width := a.Len(), a.Width()
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			out = append(out, *(*T)(a.ptr(i, j)))
		}
	}
	return out, nil
}

func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the dimensions.
func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

// Strides returns a copy of the byte strides.
func (a *Array) Strides() []int { return append([]int(nil), a.strides...) }

// Offset returns the byte offset of the first element in the backing buffer.
func (a *Array) Offset() int { return a.offset }

// Len returns the number of rows (the first dimension).
func (a *Array) Len() int { return a.shape[0] }

// Width returns the second dimension, or 1 for a one-dimensional array.
func (a *Array) Width() int {
	if len(a.shape) == 2 {
		return a.shape[1]
	}
	return 1
}

// NumElems returns the total element count.
func (a *Array) NumElems() int {
	n := 1
	for _, dim := range a.shape {
		n *= dim
	}
	return n
}

// NumBytes returns the logical payload size: element count times element
// width, independent of striding.
func (a *Array) NumBytes() int { return a.NumElems() * a.dtype.Size() }

// Contiguous reports whether the elements are dense and row-major.
func (a *Array) Contiguous() bool {
	want := contiguousStrides(a.shape, a.dtype.Size())
	for i := range want {
		if a.strides[i] != want[i] {
			return false
		}
	}
	return true
}

func (a *Array) String() string {
	return fmt.Sprintf("%v%v", a.dtype, a.shape)
}

func (a *Array) ptr(i, j int) unsafe.Pointer {
	if i < 0 || i >= a.shape[0] {
		panic(fmt.Sprintf("array: row %d out of range [0,%d)", i, a.shape[0]))
	}
	off := a.offset + i*a.strides[0]
	if len(a.shape) == 2 {
		if j < 0 || j >= a.shape[1] {
			panic(fmt.Sprintf("array: column %d out of range [0,%d)", j, a.shape[1]))
		}
		off += j * a.strides[1]
	} else if j != 0 {
		panic(fmt.Sprintf("array: column %d out of range on 1-D array", j))
	}
	return unsafe.Pointer(&a.data[off])
}

// Float64At returns element (i, j) converted to float64. For 1-D arrays j
// must be 0.
func (a *Array) Float64At(i, j int) float64 {
	p := a.ptr(i, j)
	switch a.dtype {
	case Float32:
		return float64(*(*float32)(p))
	case Float64:
		return *(*float64)(p)
	case Int32:
		return float64(*(*int32)(p))
	default:
		return float64(*(*int64)(p))
	}
}

// SetFloat64At stores v into element (i, j), converting to the array's dtype.
func (a *Array) SetFloat64At(i, j int, v float64) {
	p := a.ptr(i, j)
	switch a.dtype {
	case Float32:
		*(*float32)(p) = float32(v)
	case Float64:
		*(*float64)(p) = v
	case Int32:
		*(*int32)(p) = int32(v)
	default:
		*(*int64)(p) = int64(v)
	}
}

// Int64At returns element (i, j) converted to int64.
func (a *Array) Int64At(i, j int) int64 {
	p := a.ptr(i, j)
	switch a.dtype {
	case Float32:
		return int64(*(*float32)(p))
	case Float64:
		return int64(*(*float64)(p))
	case Int32:
		return int64(*(*int32)(p))
	default:
		return *(*int64)(p)
	}
}

// SetInt64At stores v into element (i, j), converting to the array's dtype.
func (a *Array) SetInt64At(i, j int, v int64) {
	p := a.ptr(i, j)
	switch a.dtype {
	case Float32:
		*(*float32)(p) = float32(v)
	case Float64:
		*(*float64)(p) = float64(v)
	case Int32:
		*(*int32)(p) = int32(v)
	default:
		*(*int64)(p) = v
	}
}

// bits returns the raw element bytes interpreted as a uint64, for exact
// comparisons.
func (a *Array) bits(i, j int) uint64 {
	p := a.ptr(i, j)
	if a.dtype.Size() == 4 {
		return uint64(*(*uint32)(p))
	}
	return *(*uint64)(p)
}

// Slice returns a view of rows [lo, hi) sharing a's backing buffer.
func (a *Array) Slice(lo, hi int) *Array {
	if lo < 0 || hi < lo || hi > a.shape[0] {
		panic(fmt.Sprintf("array: Slice(%d, %d) out of range [0,%d]", lo, hi, a.shape[0]))
	}
	shape := a.Shape()
	shape[0] = hi - lo
	return &Array{
		dtype:   a.dtype,
		shape:   shape,
		strides: a.Strides(),
		offset:  a.offset + lo*a.strides[0],
		data:    a.data,
	}
}

// Column returns a 1-D view of column j of a 2-D array, sharing a's backing
// buffer. Velocity component "vx" is Column(0) of the (N,3) velocity array.
func (a *Array) Column(j int) *Array {
	if len(a.shape) != 2 {
		panic("array: Column on 1-D array")
	}
	if j < 0 || j >= a.shape[1] {
		panic(fmt.Sprintf("array: Column(%d) out of range [0,%d)", j, a.shape[1]))
	}
	return &Array{
		dtype:   a.dtype,
		shape:   []int{a.shape[0]},
		strides: []int{a.strides[0]},
		offset:  a.offset + j*a.strides[1],
		data:    a.data,
	}
}

// Gather returns an owned array holding the rows named by idx, in idx order.
func (a *Array) Gather(idx []int64) *Array {
	shape := a.Shape()
	shape[0] = len(idx)
	out := New(a.dtype, shape...)
	width := a.Width()
	for r, i := range idx {
		for j := 0; j < width; j++ {
			copyElem(out.ptr(r, j), a.ptr(int(i), j), a.dtype.Size())
		}
	}
	return out
}

func copyElem(dst, src unsafe.Pointer, size int) {
	if size == 4 {
		*(*uint32)(dst) = *(*uint32)(src)
	} else {
		*(*uint64)(dst) = *(*uint64)(src)
	}
}

// Clone returns an owned, contiguous copy of a.
func (a *Array) Clone() *Array {
	out := New(a.dtype, a.shape...)
	if err := out.CopyFrom(a); err != nil {
		panic(err)
	}
	return out
}

// CopyFrom copies src's elements into a. Shapes and dtypes must match
// exactly; either side may be strided.
func (a *Array) CopyFrom(src *Array) error {
	if a.dtype != src.dtype || !shapeEq(a.shape, src.shape) {
		return errors.Newf(errors.ErrTransfer, "cannot copy %v into %v", src, a)
	}
	rows, width := a.Len(), a.Width()
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			copyElem(a.ptr(i, j), src.ptr(i, j), a.dtype.Size())
		}
	}
	return nil
}

func shapeEq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether b has the same dtype, shape and bit-exact element
// values as a. Strides and backing buffers are not compared; a strided view
// equals its compact copy.
func (a *Array) Equal(b *Array) bool {
	if a.dtype != b.dtype || !shapeEq(a.shape, b.shape) {
		return false
	}
	rows, width := a.Len(), a.Width()
	for i := 0; i < rows; i++ {
		for j := 0; j < width; j++ {
			if a.bits(i, j) != b.bits(i, j) {
				return false
			}
		}
	}
	return true
}

// Concat returns an owned array holding the rows of parts in order. All
// parts must share dtype and width.
func Concat(parts ...*Array) (*Array, error) {
	if len(parts) == 0 {
		return nil, errors.New(errors.ErrTransfer, "concat of no arrays")
	}
	rows := 0
	for _, p := range parts {
		if p.dtype != parts[0].dtype || p.Width() != parts[0].Width() || len(p.shape) != len(parts[0].shape) {
			return nil, errors.Newf(errors.ErrTransfer, "concat of mismatched arrays %v and %v", parts[0], p)
		}
		rows += p.Len()
	}
	shape := parts[0].Shape()
	shape[0] = rows
	out := New(parts[0].dtype, shape...)
	at := 0
	for _, p := range parts {
		if err := out.Slice(at, at+p.Len()).CopyFrom(p); err != nil {
			return nil, err
		}
		at += p.Len()
	}
	return out, nil
}

// Norms returns the per-row euclidean norm of a 2-D float array as an owned
// float64 array. It backs the client-side "r" derived quantity.
func Norms(a *Array) *Array {
	rows, width := a.Len(), a.Width()
	out := New(Float64, rows)
	for i := 0; i < rows; i++ {
		var acc float64
		for j := 0; j < width; j++ {
			v := a.Float64At(i, j)
			acc += v * v
		}
		out.SetFloat64At(i, 0, math.Sqrt(acc))
	}
	return out
}
