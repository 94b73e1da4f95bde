// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package array_test

import (
	"testing"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/errors"
)

func TestArray_ColumnView(t *testing.T) {
	pos := array.Of([]float64{
		0, 1, 2,
		10, 11, 12,
		20, 21, 22,
		30, 31, 32,
	}, 4, 3)

	y := pos.Column(1)
	if y.Len() != 4 || y.Width() != 1 {
		t.Fatalf("column shape %v", y.Shape())
	}
	for i, want := range []float64{1, 11, 21, 31} {
		if got := y.Float64At(i, 0); got != want {
			t.Fatalf("y[%d] = %v, want %v", i, got, want)
		}
	}

	// Columns are live views: writes land in the parent.
	y.SetFloat64At(2, 0, -5)
	if got := pos.Float64At(2, 1); got != -5 {
		t.Fatalf("write through column not visible in parent: %v", got)
	}
	if y.Contiguous() {
		t.Fatal("a column of a 2-D array should not be contiguous")
	}
}

func TestArray_SliceView(t *testing.T) {
	a := array.Of([]int64{0, 1, 2, 3, 4, 5})
	s := a.Slice(2, 5)
	vals, err := array.Values[int64](s)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 || vals[0] != 2 || vals[2] != 4 {
		t.Fatalf("slice values %v", vals)
	}

	s.SetInt64At(0, 0, 99)
	if a.Int64At(2, 0) != 99 {
		t.Fatal("write through slice not visible in parent")
	}
}

func TestArray_Gather(t *testing.T) {
	a := array.Of([]float32{
		0, 0,
		1, 10,
		2, 20,
		3, 30,
	}, 4, 2)
	g := a.Gather([]int64{3, 1})
	want := array.Of([]float32{3, 30, 1, 10}, 2, 2)
	if !g.Equal(want) {
		t.Fatalf("gather = %v, want %v", g, want)
	}

	// Gathered rows are owned copies, not views.
	g.SetFloat64At(0, 0, 77)
	if a.Float64At(3, 0) != 3 {
		t.Fatal("gather aliased the source")
	}
}

func TestArray_CloneEqual(t *testing.T) {
	a := array.Of([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	col := a.Column(0)
	clone := col.Clone()
	if !clone.Contiguous() {
		t.Fatal("clone should be contiguous")
	}
	if !clone.Equal(col) {
		t.Fatal("clone differs from strided source")
	}

	// Mutating the source must not touch the clone.
	col.SetFloat64At(0, 0, -1)
	if clone.Equal(col) {
		t.Fatal("clone aliases its source")
	}
}

func TestArray_CopyFromMismatch(t *testing.T) {
	dst := array.New(array.Float64, 3)
	src := array.New(array.Float64, 4)
	err := dst.CopyFrom(src)
	if !errors.Is(err, errors.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", err)
	}
}

func TestArray_Concat(t *testing.T) {
	a := array.Of([]int32{1, 2}, 1, 2)
	b := array.Of([]int32{3, 4, 5, 6}, 2, 2)
	got, err := array.Concat(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := array.Of([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
	if !got.Equal(want) {
		t.Fatalf("concat = %v, want %v", got, want)
	}

	if _, err := array.Concat(a, array.New(array.Int64, 1, 2)); !errors.Is(err, errors.ErrTransfer) {
		t.Fatalf("expected transfer error on dtype mismatch, got %v", err)
	}
}

func TestArray_DataStrict(t *testing.T) {
	a := array.Of([]float64{1, 2, 3})

	d, err := array.Data[float64](a)
	if err != nil {
		t.Fatal(err)
	}
	d[1] = 42
	if a.Float64At(1, 0) != 42 {
		t.Fatal("Data does not share backing memory")
	}

	if _, err := array.Data[int64](a); !errors.Is(err, errors.ErrTransfer) {
		t.Fatalf("expected transfer error on dtype mismatch, got %v", err)
	}

	wide := array.Of([]float64{1, 2, 3, 4}, 2, 2)
	if _, err := array.Data[float64](wide.Column(0)); !errors.Is(err, errors.ErrTransfer) {
		t.Fatalf("expected transfer error on strided array, got %v", err)
	}
}

func TestArray_Norms(t *testing.T) {
	pos := array.Of([]float64{
		3, 4, 0,
		0, 0, 2,
	}, 2, 3)
	r := array.Norms(pos)
	if got := r.Float64At(0, 0); got != 5 {
		t.Fatalf("norm = %v, want 5", got)
	}
	if got := r.Float64At(1, 0); got != 2 {
		t.Fatalf("norm = %v, want 2", got)
	}
}
