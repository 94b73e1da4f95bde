// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"sync"

	"github.com/haloscope/snapserve/array"
)

// DerivedFunc computes a derived array from stored ones. get resolves a
// base array by name within whatever scope the caller is evaluating (a whole
// view, one family, a local dataset); derivation composes with scoping for
// free that way. Derived arrays are always computed where they are asked
// for, never fetched: a client evaluates them from its own, possibly locally
// modified, copies of the inputs.
type DerivedFunc func(get func(name string) (*array.Array, error)) (*array.Array, error)

var (
	derivedMu sync.RWMutex
	derived   = map[string]DerivedFunc{
		"r": func(get func(string) (*array.Array, error)) (*array.Array, error) {
			pos, err := get("pos")
			if err != nil {
				return nil, err
			}
			return array.Norms(pos), nil
		},
	}
)

// RegisterDerived adds (or replaces) a derived-array rule. Stored arrays
// shadow derived ones of the same name at evaluation sites.
func RegisterDerived(name string, fn DerivedFunc) {
	derivedMu.Lock()
	derived[name] = fn
	derivedMu.Unlock()
}

// Derived looks up a derived-array rule.
func Derived(name string) (DerivedFunc, bool) {
	derivedMu.RLock()
	fn, ok := derived[name]
	derivedMu.RUnlock()
	return fn, ok
}

// components maps short component names to (base array, column). Asking for
// "vx" means fetching the whole "vel" array and viewing its first column.
var components = map[string]struct {
	base string
	col  int
}{
	"x":  {"pos", 0},
	"y":  {"pos", 1},
	"z":  {"pos", 2},
	"vx": {"vel", 0},
	"vy": {"vel", 1},
	"vz": {"vel", 2},
}

// Component resolves a component name to its base array and column.
func Component(name string) (base string, col int, ok bool) {
	c, ok := components[name]
	return c.base, c.col, ok
}
