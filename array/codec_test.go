// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package array_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/errors"
)

func TestCodec_ValueRoundTrip(t *testing.T) {
	wide := array.Of([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)

	tests := []*array.Array{
		array.Of([]float64{1.5, -2.25, 3.125}),
		array.Of([]float32{0.5, 1.5, 2.5, 3.5, 4.5, 5.5}, 2, 3),
		array.Of([]int32{-1, 0, 1}),
		array.Of([]int64{1 << 40, -(1 << 40)}),
		array.New(array.Float64, 0),
		wide.Column(1),      // strided source compacts on encode
		wide.Slice(1, 3),    // row-range view
	}
	for i, a := range tests {
		t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
			b := array.WriteValue(a)

			rdr := bytes.NewReader(b)
			form, err := array.ReadForm(rdr)
			if err != nil {
				t.Fatal(err)
			}
			if form != array.FormValue {
				t.Fatalf("form = %d, want %d", form, array.FormValue)
			}
			got, err := array.ReadValue(rdr)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Contiguous() {
				t.Fatal("decoded array should be contiguous")
			}
			if !got.Equal(a) {
				t.Fatalf("round trip of %v lost data", a)
			}
		})
	}
}

func TestCodec_HandleRoundTrip(t *testing.T) {
	h := array.Handle{
		Name:    "snap-7f3a-pos",
		DType:   array.Float64,
		Shape:   []int{1000, 3},
		Strides: []int{24, 8},
		Offset:  4096,
	}
	b := array.WriteHandle(h)

	rdr := bytes.NewReader(b)
	form, err := array.ReadForm(rdr)
	if err != nil {
		t.Fatal(err)
	}
	if form != array.FormShared {
		t.Fatalf("form = %d, want %d", form, array.FormShared)
	}
	got, err := array.ReadHandle(rdr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestCodec_HandleView(t *testing.T) {
	// A handle over a raw buffer yields a live window with the handle's
	// geometry applied.
	seg := make([]byte, 6*8)
	base, err := array.NewOver(seg, array.Float64, []int{3, 2}, []int{16, 8}, 0)
	if err != nil {
		t.Fatal(err)
	}
	base.SetFloat64At(1, 1, 42)

	h := array.Handle{Name: "seg", DType: array.Float64, Shape: []int{3}, Strides: []int{16}, Offset: 8}
	col, err := h.View(seg)
	if err != nil {
		t.Fatal(err)
	}
	if got := col.Float64At(1, 0); got != 42 {
		t.Fatalf("handle view read %v, want 42", got)
	}

	// Overrunning geometry is rejected.
	bad := array.Handle{Name: "seg", DType: array.Float64, Shape: []int{7}, Strides: []int{8}, Offset: 0}
	if _, err := bad.View(seg); !errors.Is(err, errors.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", err)
	}
}

func TestCodec_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"unknown form", []byte{0x7f}},
		{"unknown dtype", []byte{0x01, 0x63, 0x01, 0, 0, 0, 0, 0, 0, 0, 4}},
		{"bad rank", []byte{0x01, 0x02, 0x03}},
		{"negative dim", []byte{0x01, 0x02, 0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{"giant dims", []byte{
			0x01, 0x02, 0x02,
			0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00,
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rdr := bytes.NewReader(test.frame)
			form, err := array.ReadForm(rdr)
			if err != nil {
				if !errors.Is(err, errors.ErrTransfer) {
					t.Fatalf("expected transfer error, got %v", err)
				}
				return
			}
			if form == array.FormValue {
				_, err = array.ReadValue(rdr)
			} else {
				_, err = array.ReadHandle(rdr)
			}
			if !errors.Is(err, errors.ErrTransfer) {
				t.Fatalf("expected transfer error, got %v", err)
			}
		})
	}
}

func TestCodec_TruncatedData(t *testing.T) {
	a := array.Of([]float64{1, 2, 3, 4})
	b := array.WriteValue(a)

	rdr := bytes.NewReader(b[:len(b)-8])
	if _, err := array.ReadForm(rdr); err != nil {
		t.Fatal(err)
	}
	if _, err := array.ReadValue(rdr); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}
