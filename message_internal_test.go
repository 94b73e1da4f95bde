// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/transport"
)

func TestMessage_RoundTrip(t *testing.T) {
	msgs := []Message{
		&RequestLoadSnapshot{Loader: "synth", Path: "run/output_00042"},
		&ConfirmLoadSnapshot{
			Kind: "synthetic",
			Families: []dataset.Family{
				{Tag: "dm", Start: 0, End: 64},
				{Tag: "star", Start: 64, End: 80},
			},
			Properties: map[string]float64{"boxsize": 50, "time": 13.7},
		},
		&ConfirmLoadSnapshot{Err: wireError(errors.New(errors.ErrNotFound, "no snapshot"))},
		&ReleaseSnapshot{Loader: "synth", Path: "run/output_00042"},
		&RequestArray{
			Loader: "synth",
			Path:   "run/output_00042",
			Sel:    dataset.WireSelection{Selection: dataset.Sphere{Cx: 1, Cy: 2, Cz: 3, Radius: 4.5}},
			Name:   "pos",
			Family: "dm",
			Shared: true,
		},
		&ReturnArray{},
		&RequestIndexList{
			Loader: "synth",
			Path:   "run/output_00042",
			Sel:    dataset.WireSelection{Selection: dataset.ObjectSpec{FinderID: 1, FinderOffset: 1, TypeTag: "halo"}},
		},
		&ReturnIndexList{Indices: []int64{0, 3, 5, 9}},
		&RequestViewMeta{
			Loader: "synth",
			Path:   "run/output_00042",
			Sel:    dataset.WireSelection{Selection: dataset.All{}},
		},
		&ReturnViewMeta{
			Kind:       "synthetic",
			Families:   []dataset.Family{{Tag: "dm", End: 4}},
			Properties: map[string]float64{"redshift": 0},
		},
		&CatalogueMessage{IDs: []uint64{0, 1, 1, 2}},
		&RequestCatalogue{Loader: "synth", Path: "run/output_00042", TypeTag: "halo"},
		&ReturnCatalogue{IDs: []uint64{2, 2, 0}},
		&Shutdown{},
		&ArrayData{Body: []byte{0x01, 0xff, 0x00, 0x7f}},
	}
	for i, msg := range msgs {
		t.Run(fmt.Sprintf("test-%d-%T", i, msg), func(t *testing.T) {
			frame, err := Marshal(msg)
			require.NoError(t, err)
			got, err := Unmarshal(frame)
			require.NoError(t, err)
			if diff := cmp.Diff(msg, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessage_Garbage(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"short frame", []byte{0x00}},
		{"unknown tag", []byte{0x00, 0x63, '{', '}'}},
		{"body not json", append([]byte{0x00, 0x01}, "pos"...)},
		{"wrong structure", append([]byte{0x00, 0x01}, `{"bogus": true}`...)},
		{"wrong field type", append([]byte{0x00, 0x01}, `{"loader": 7}`...)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Unmarshal(test.frame)
			assert.True(t, errors.Is(err, errors.ErrProtocol), "got %v", err)
		})
	}
}

func TestMessage_WireError(t *testing.T) {
	require.NoError(t, errFromWire(""))

	err := errFromWire(wireError(errors.Newf(errors.ErrNotFound, "no snapshot at %q", "nope")))
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
	assert.Contains(t, err.Error(), `no snapshot at "nope"`)
}

func TestMessage_Expect(t *testing.T) {
	ranks := transport.NewLocalGroup(2)

	require.NoError(t, send(ranks[0], &RequestLoadSnapshot{Loader: "synth", Path: "p"}, 1))
	got, err := expect[*RequestLoadSnapshot](ranks[1], 0)
	require.NoError(t, err)
	assert.Equal(t, "synth", got.Loader)

	// A mismatched arriving tag errors out instead of being coerced or
	// queued for later.
	require.NoError(t, send(ranks[0], &Shutdown{}, 1))
	_, err = expect[*ConfirmLoadSnapshot](ranks[1], 0)
	assert.True(t, errors.Is(err, errors.ErrProtocol), "got %v", err)
}
