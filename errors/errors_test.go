// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0
package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/haloscope/snapserve/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		uncoded := errors.New(errors.ErrUncoded, "uncoded error")
		nf := errors.Newf(errors.ErrNotFound, "no such path: %s", "step/0064")
		tf := errors.New(errors.ErrTransfer, "segment gone")

		tests := []struct {
			err    error
			target errors.Code
			exp    bool
		}{
			{
				err:    uncoded,
				target: errors.ErrUncoded,
				exp:    true,
			},
			{
				err:    uncoded,
				target: errors.ErrNotFound,
				exp:    false,
			},
			{
				err:    nf,
				target: errors.ErrNotFound,
				exp:    true,
			},
			{
				err:    nf,
				target: errors.ErrTransfer,
				exp:    false,
			},
			{
				err:    errors.Wrap(tf, "receiving array"),
				target: errors.ErrTransfer,
				exp:    true,
			},
			{
				err:    errors.Errorf("plain"),
				target: errors.ErrUncoded,
				exp:    false,
			},
		}

		for i, test := range tests {
			t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
				got := errors.Is(test.err, test.target)
				assert.Equal(t, test.exp, got)
			})
		}
	})

	t.Run("WireRoundTrip", func(t *testing.T) {
		orig := errors.Wrap(errors.Newf(errors.ErrNotFound, "no such path: %s", "step/0064"), "loading snapshot")

		s := errors.MarshalJSON(orig)
		back := errors.UnmarshalJSON(strings.NewReader(s))

		assert.True(t, errors.Is(back, errors.ErrNotFound))
		assert.Contains(t, back.Error(), "loading snapshot")
		assert.Contains(t, back.Error(), "step/0064")
	})

	t.Run("WireUncoded", func(t *testing.T) {
		back := errors.UnmarshalJSON(strings.NewReader(errors.MarshalJSON(errors.Errorf("plain failure"))))
		assert.True(t, errors.Is(back, errors.ErrUncoded))
		assert.Contains(t, back.Error(), "plain failure")
	})
}
