// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package synthload is a dataset.Loader that fabricates deterministic
// particle snapshots. Tests and demos register paths with it instead of
// shipping snapshot files: the same path always generates bit-identical
// data, so a served snapshot can be checked against a locally loaded one
// value for value.
package synthload

import (
	"math/rand"

	"github.com/cespare/xxhash"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
)

// LoaderName is how queue keys and requests refer to this loader.
const LoaderName = "synth"

// Sizes fixes the shape of one generated snapshot.
type Sizes struct {
	DM, Gas, Star int
	Objects       int
	Boxsize       float64
}

// DefaultSizes is small enough for tests and big enough that selections and
// per-family splits are non-trivial.
func DefaultSizes() Sizes {
	return Sizes{DM: 2048, Gas: 1024, Star: 256, Objects: 8, Boxsize: 50}
}

// Loader generates snapshots for registered paths. Loading an unregistered
// path fails NotFound, the same way a file loader fails on a missing file.
type Loader struct {
	sizes map[string]Sizes
}

var _ dataset.Loader = (*Loader)(nil)

// New returns a Loader with DefaultSizes registered for each given path.
func New(paths ...string) *Loader {
	l := &Loader{sizes: make(map[string]Sizes)}
	for _, p := range paths {
		l.Register(p, DefaultSizes())
	}
	return l
}

// Register makes path loadable with the given sizes.
func (l *Loader) Register(path string, s Sizes) {
	l.sizes[path] = s
}

func (l *Loader) Name() string { return LoaderName }

// Load generates the snapshot registered at path. The path seeds the
// generator, so distinct paths give distinct data and repeated loads of one
// path agree exactly.
func (l *Loader) Load(path string) (*dataset.Dataset, error) {
	sz, ok := l.sizes[path]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no snapshot at %q", path)
	}
	n := sz.DM + sz.Gas + sz.Star
	ds, err := dataset.New("synthetic", []dataset.Family{
		{Tag: "dm", Start: 0, End: sz.DM},
		{Tag: "gas", Start: sz.DM, End: sz.DM + sz.Gas},
		{Tag: "star", Start: sz.DM + sz.Gas, End: n},
	})
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(int64(xxhash.Sum64String(path))))

	// Object 0's centre sits at the origin so small spheres about the
	// origin and the first object overlap, which demos rely on.
	centres := make([][3]float64, sz.Objects)
	for i := 1; i < sz.Objects; i++ {
		for k := 0; k < 3; k++ {
			centres[i][k] = (rng.Float64() - 0.5) * sz.Boxsize
		}
	}

	pos := array.New(array.Float64, n, 3)
	vel := array.New(array.Float64, n, 3)
	mass := array.New(array.Float64, n)
	iord := array.New(array.Int64, n)
	ids := make([]uint64, n)

	for i := 0; i < n; i++ {
		if sz.Objects > 0 && rng.Float64() < 0.6 {
			// Clustered particle: gaussian cloud about its object.
			obj := rng.Intn(sz.Objects)
			ids[i] = uint64(obj + 1)
			for k := 0; k < 3; k++ {
				pos.SetFloat64At(i, k, centres[obj][k]+rng.NormFloat64()*sz.Boxsize/40)
			}
		} else {
			for k := 0; k < 3; k++ {
				pos.SetFloat64At(i, k, (rng.Float64()-0.5)*sz.Boxsize)
			}
		}
		for k := 0; k < 3; k++ {
			vel.SetFloat64At(i, k, rng.NormFloat64()*100)
		}
		// Particle ids are not row numbers; keeping them distinct
		// catches index/id mixups in consumers.
		iord.SetInt64At(i, 0, int64(i)*2+7)
	}

	baseMass := map[string]float64{"dm": 1.0, "gas": 0.25, "star": 0.1}
	for _, f := range ds.Families() {
		for i := f.Start; i < f.End; i++ {
			mass.SetFloat64At(i, 0, baseMass[f.Tag]*(1+0.01*rng.NormFloat64()))
		}
	}

	temp := array.New(array.Float64, sz.Gas)
	for i := 0; i < sz.Gas; i++ {
		temp.SetFloat64At(i, 0, 1e4*(1+rng.Float64()*99))
	}
	metals := array.New(array.Float64, sz.Star)
	for i := 0; i < sz.Star; i++ {
		metals.SetFloat64At(i, 0, rng.Float64()*0.05)
	}

	if err := ds.SetArray("pos", pos); err != nil {
		return nil, err
	}
	if err := ds.SetArray("vel", vel); err != nil {
		return nil, err
	}
	if err := ds.SetArray("mass", mass); err != nil {
		return nil, err
	}
	if err := ds.SetArray("iord", iord); err != nil {
		return nil, err
	}
	if err := ds.SetFamilyArray("gas", "temp", temp); err != nil {
		return nil, err
	}
	if err := ds.SetFamilyArray("star", "metals", metals); err != nil {
		return nil, err
	}
	if err := ds.SetCatalogue(dataset.DefaultTypeTag, ids); err != nil {
		return nil, err
	}
	ds.SetProperty("boxsize", sz.Boxsize)
	ds.SetProperty("time", 13.7)
	ds.SetProperty("redshift", 0)
	return ds, nil
}
