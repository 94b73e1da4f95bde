// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package dataset models a loaded particle snapshot: ordered families
// partitioning the particle range, named numeric arrays at snapshot or
// family level, numeric properties, and per-typetag object membership
// tables. It also defines the Selection types that requests carry and the
// Loader contract that file-format readers implement.
//
// The package holds data and answers membership queries; it never touches
// transports or shared memory. Serving is the root package's job.
package dataset

import (
	"sort"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/errors"
)

// Family is a contiguous row range [Start, End) of the snapshot's arrays.
// Families are ordered and cover the whole snapshot without gaps, which is
// what lets a family array be an offset view of a snapshot-level one.
type Family struct {
	Tag   string `json:"tag"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Count returns the number of particles in the family.
func (f Family) Count() int { return f.End - f.Start }

// Loader turns a path into a Dataset. Implementations are registered with
// the server under their Name; requests address snapshots as (loader name,
// path) pairs. Loading a path the loader does not know must return a
// NotFound error, which travels back to the requesting client unchanged in
// kind.
type Loader interface {
	Name() string
	Load(path string) (*Dataset, error)
}

// Dataset is one loaded snapshot held in memory.
type Dataset struct {
	kind       string
	families   []Family
	arrays     map[string]*array.Array            // snapshot-level, Len() rows
	famArrays  map[string]map[string]*array.Array // family tag → name → family-length array
	properties map[string]float64
	catalogues map[string][]uint64 // typetag → particle index → object id
}

// New builds an empty dataset of the given kind. Families must be ordered,
// non-empty-tagged, and contiguous from row zero.
func New(kind string, families []Family) (*Dataset, error) {
	at := 0
	for _, f := range families {
		if f.Tag == "" || f.Start != at || f.End < f.Start {
			return nil, errors.Newf(errors.ErrProtocol, "family %q [%d,%d) breaks snapshot layout at row %d",
				f.Tag, f.Start, f.End, at)
		}
		at = f.End
	}
	ds := &Dataset{
		kind:       kind,
		families:   append([]Family(nil), families...),
		arrays:     make(map[string]*array.Array),
		famArrays:  make(map[string]map[string]*array.Array),
		properties: make(map[string]float64),
		catalogues: make(map[string][]uint64),
	}
	return ds, nil
}

// Kind returns the dataset kind tag reported to clients, e.g. "synthetic".
func (ds *Dataset) Kind() string { return ds.kind }

// Len returns the total particle count.
func (ds *Dataset) Len() int {
	if len(ds.families) == 0 {
		return 0
	}
	return ds.families[len(ds.families)-1].End
}

// Families returns the ordered family ranges.
func (ds *Dataset) Families() []Family {
	return append([]Family(nil), ds.families...)
}

// Family returns the range of the named family.
func (ds *Dataset) Family(tag string) (Family, error) {
	for _, f := range ds.families {
		if f.Tag == tag {
			return f, nil
		}
	}
	return Family{}, errors.Newf(errors.ErrFamilyNotFound, "no family %q in snapshot", tag)
}

// SetProperty records a numeric snapshot property such as boxsize.
func (ds *Dataset) SetProperty(name string, v float64) { ds.properties[name] = v }

// Properties returns a copy of the property table.
func (ds *Dataset) Properties() map[string]float64 {
	out := make(map[string]float64, len(ds.properties))
	for k, v := range ds.properties {
		out[k] = v
	}
	return out
}

// SetArray stores a snapshot-level array. Its row count must equal Len().
func (ds *Dataset) SetArray(name string, a *array.Array) error {
	if a.Len() != ds.Len() {
		return errors.Newf(errors.ErrProtocol, "array %q has %d rows, snapshot has %d", name, a.Len(), ds.Len())
	}
	ds.arrays[name] = a
	return nil
}

// SetFamilyArray stores an array that exists for one family only, e.g. a
// star-formation field that gas and dark matter never carry. Its row count
// must equal the family's.
func (ds *Dataset) SetFamilyArray(tag, name string, a *array.Array) error {
	f, err := ds.Family(tag)
	if err != nil {
		return err
	}
	if a.Len() != f.Count() {
		return errors.Newf(errors.ErrProtocol, "array %q has %d rows, family %q has %d", name, a.Len(), tag, f.Count())
	}
	m := ds.famArrays[tag]
	if m == nil {
		m = make(map[string]*array.Array)
		ds.famArrays[tag] = m
	}
	m[name] = a
	return nil
}

// Array returns the named snapshot-level array. Arrays that exist only at
// family level are not visible here; asking for one (or for an unknown
// name) is the array-level miss that clients surface per access.
func (ds *Dataset) Array(name string) (*array.Array, error) {
	if a, ok := ds.arrays[name]; ok {
		return a, nil
	}
	return nil, errors.Newf(errors.ErrArrayNotFound, "array %q not known to this snapshot", name)
}

// FamilyArray returns the named array restricted to one family: the
// family-local array if one exists, otherwise a row-range view of the
// snapshot-level array.
func (ds *Dataset) FamilyArray(tag, name string) (*array.Array, error) {
	f, err := ds.Family(tag)
	if err != nil {
		return nil, err
	}
	if a, ok := ds.famArrays[tag][name]; ok {
		return a, nil
	}
	if a, ok := ds.arrays[name]; ok {
		return a.Slice(f.Start, f.End), nil
	}
	return nil, errors.Newf(errors.ErrArrayNotFound, "array %q not known to family %q", name, tag)
}

// HasSnapshotArray reports whether name is stored at snapshot level.
func (ds *Dataset) HasSnapshotArray(name string) bool {
	_, ok := ds.arrays[name]
	return ok
}

// ArrayNames returns the sorted names of all snapshot-level arrays.
func (ds *Dataset) ArrayNames() []string {
	names := make([]string, 0, len(ds.arrays))
	for name := range ds.arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetCatalogue stores the dense object-membership table for a typetag:
// element i is the object id particle i belongs to, zero meaning none.
func (ds *Dataset) SetCatalogue(typeTag string, ids []uint64) error {
	if len(ids) != ds.Len() {
		return errors.Newf(errors.ErrProtocol, "catalogue has %d entries, snapshot has %d", len(ids), ds.Len())
	}
	ds.catalogues[typeTag] = ids
	return nil
}

// CatalogueIDs returns the membership table for a typetag.
func (ds *Dataset) CatalogueIDs(typeTag string) ([]uint64, error) {
	if ids, ok := ds.catalogues[typeTag]; ok {
		return ids, nil
	}
	return nil, errors.Newf(errors.ErrNotFound, "no %q catalogue for this snapshot", typeTag)
}

// Select returns the sorted particle indices matched by sel over the whole
// snapshot. All returns the identity list.
func (ds *Dataset) Select(sel Selection) ([]int64, error) {
	switch s := sel.(type) {
	case All:
		idx := make([]int64, ds.Len())
		for i := range idx {
			idx[i] = int64(i)
		}
		return idx, nil
	case Sphere:
		pos, err := ds.Array("pos")
		if err != nil {
			return nil, err
		}
		r2 := s.Radius * s.Radius
		var idx []int64
		for i := 0; i < pos.Len(); i++ {
			dx := pos.Float64At(i, 0) - s.Cx
			dy := pos.Float64At(i, 1) - s.Cy
			dz := pos.Float64At(i, 2) - s.Cz
			if dx*dx+dy*dy+dz*dz < r2 {
				idx = append(idx, int64(i))
			}
		}
		return idx, nil
	case ObjectSpec:
		typeTag := s.TypeTag
		if typeTag == "" {
			typeTag = DefaultTypeTag
		}
		ids, err := ds.CatalogueIDs(typeTag)
		if err != nil {
			return nil, err
		}
		var idx []int64
		for i, id := range ids {
			if id == uint64(s.FinderID) {
				idx = append(idx, int64(i))
			}
		}
		return idx, nil
	default:
		return nil, errors.Newf(errors.ErrProtocol, "unknown selection %T", sel)
	}
}

// SplitByFamily partitions a sorted whole-snapshot index list into
// per-family sublists, preserving order. Indices outside [0, Len()) are an
// error.
func (ds *Dataset) SplitByFamily(idx []int64) (map[string][]int64, error) {
	return SplitIndices(ds.families, idx)
}

// SplitIndices is SplitByFamily over a bare family table, for callers that
// hold view metadata rather than a full Dataset.
func SplitIndices(families []Family, idx []int64) (map[string][]int64, error) {
	out := make(map[string][]int64, len(families))
	at := 0
	total := 0
	for _, f := range families {
		lo := at
		for at < len(idx) && idx[at] < int64(f.End) {
			if idx[at] < int64(f.Start) {
				return nil, errors.Newf(errors.ErrProtocol, "index %d out of order or out of range", idx[at])
			}
			at++
		}
		out[f.Tag] = idx[lo:at]
		total = f.End
	}
	if at != len(idx) {
		return nil, errors.Newf(errors.ErrProtocol, "index %d beyond snapshot of %d", idx[at], total)
	}
	return out, nil
}
