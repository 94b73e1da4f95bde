// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
)

// View is a lazily materializing window over a remote snapshot: a
// selection picks the particles, a mode picks how arrays travel. Per array
// name the view moves through three states: nothing loaded, some families
// materialized, whole array materialized. Whole-array access when families
// are already present promotes by composition instead of refetching.
//
// Mutation semantics follow the delivery form. Family materializations and
// every filtered-selection array are local copies: writes stay invisible to
// other ranks. The whole array of an unfiltered shared view is the live
// union segment: writes through it are visible to every rank mapping the
// segment. Derived arrays are always computed here, from the view's own,
// possibly locally modified, inputs.
type View struct {
	conn *Connection
	sel  dataset.Selection
	mode Mode

	kind       string
	families   []dataset.Family
	properties map[string]float64

	// indices and perFam are nil for the All selection, where every row
	// is in the view and family runs come straight from the family table.
	indices []int64
	perFam  map[string][]int64

	arrays map[string]*viewArray
}

// viewArray is one array name's materialization state.
type viewArray struct {
	whole    *array.Array
	live     bool
	families map[string]*array.Array
	handle   *array.Handle // union-segment handle, set by any shared fetch
}

// View opens a view over the connection's snapshot. Metadata is fetched
// eagerly, and for selections other than All the membership rows are
// resolved eagerly too, so opening fails fast when the selection cannot be
// evaluated server-side.
func (c *Connection) View(sel dataset.Selection, mode Mode) (*View, error) {
	meta, err := request[*ReturnViewMeta](c, &RequestViewMeta{
		Loader: c.loader,
		Path:   c.path,
		Sel:    dataset.WireSelection{Selection: sel},
	})
	if err != nil {
		return nil, err
	}
	if err := errFromWire(meta.Err); err != nil {
		return nil, err
	}

	v := &View{
		conn:       c,
		sel:        sel,
		mode:       mode,
		kind:       meta.Kind,
		families:   meta.Families,
		properties: meta.Properties,
		arrays:     make(map[string]*viewArray),
	}
	if _, isAll := sel.(dataset.All); !isAll {
		idx, err := c.IndexList(sel)
		if err != nil {
			return nil, err
		}
		per, err := dataset.SplitIndices(meta.Families, idx)
		if err != nil {
			return nil, err
		}
		v.indices = idx
		v.perFam = per
	}
	return v, nil
}

// Kind returns the snapshot kind.
func (v *View) Kind() string { return v.kind }

// Families returns the snapshot's ordered family table. Counts are the
// snapshot's, not the selection's; FamilyLen reports the latter.
func (v *View) Families() []dataset.Family {
	return append([]dataset.Family(nil), v.families...)
}

// Properties returns the snapshot's numeric properties.
func (v *View) Properties() map[string]float64 {
	out := make(map[string]float64, len(v.properties))
	for k, vv := range v.properties {
		out[k] = vv
	}
	return out
}

// Len returns the number of particles in the view.
func (v *View) Len() int {
	if v.indices != nil {
		return len(v.indices)
	}
	return v.total()
}

// total is the whole snapshot's row count.
func (v *View) total() int {
	if n := len(v.families); n > 0 {
		return v.families[n-1].End
	}
	return 0
}

// FamilyLen returns how many of the view's particles fall in one family.
func (v *View) FamilyLen(tag string) (int, error) {
	fam, err := v.family(tag)
	if err != nil {
		return 0, err
	}
	if v.perFam != nil {
		return len(v.perFam[tag]), nil
	}
	return fam.Count(), nil
}

// Indices returns the whole-snapshot rows this view covers, ascending.
func (v *View) Indices() []int64 {
	if v.indices != nil {
		return append([]int64(nil), v.indices...)
	}
	idx := make([]int64, v.total())
	for i := range idx {
		idx[i] = int64(i)
	}
	return idx
}

// Release closes the connection backing this view. The snapshot reference
// belongs to the connection, so sibling views stop working too.
func (v *View) Release() error {
	return v.conn.Close()
}

func (v *View) family(tag string) (dataset.Family, error) {
	for _, f := range v.families {
		if f.Tag == tag {
			return f, nil
		}
	}
	return dataset.Family{}, errors.Newf(errors.ErrFamilyNotFound, "no family %q in this view", tag)
}

func (v *View) ensure(name string) *viewArray {
	va := v.arrays[name]
	if va == nil {
		va = &viewArray{families: make(map[string]*array.Array)}
		v.arrays[name] = va
	}
	return va
}

// Array returns the named array over the view's whole selection. Stored
// arrays shadow everything; a name the snapshot does not store resolves as
// a component ("vx" is a column of "vel") and then as a derived rule,
// evaluated client-side. Fetched results are cached on the view; derived
// and component results are views over those caches, recomputed per call.
func (v *View) Array(name string) (*array.Array, error) {
	if va := v.arrays[name]; va != nil && va.whole != nil {
		return va.whole, nil
	}
	a, err := v.materializeWhole(name)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, errors.ErrArrayNotFound) {
		return nil, err
	}
	if base, col, ok := dataset.Component(name); ok {
		ba, berr := v.Array(base)
		if berr != nil {
			return nil, berr
		}
		return ba.Column(col), nil
	}
	if fn, ok := dataset.Derived(name); ok {
		return fn(v.Array)
	}
	return nil, err
}

// FamilyArray returns the named array restricted to the view's rows in one
// family. The result is always a local materialization: writing it never
// reaches other ranks, even in shared mode.
func (v *View) FamilyArray(family, name string) (*array.Array, error) {
	fam, err := v.family(family)
	if err != nil {
		return nil, err
	}
	if va := v.arrays[name]; va != nil {
		if a := va.families[fam.Tag]; a != nil {
			return a, nil
		}
		if va.whole != nil {
			lo, hi := v.familyRun(fam)
			a := va.whole.Slice(lo, hi).Clone()
			va.families[fam.Tag] = a
			return a, nil
		}
	}
	va := v.ensure(name)
	err = v.fetchFamily(name, va, fam)
	if err == nil {
		return va.families[fam.Tag], nil
	}
	if !errors.Is(err, errors.ErrArrayNotFound) {
		return nil, err
	}
	if base, col, ok := dataset.Component(name); ok {
		ba, berr := v.FamilyArray(family, base)
		if berr != nil {
			return nil, berr
		}
		return ba.Column(col), nil
	}
	if fn, ok := dataset.Derived(name); ok {
		return fn(func(dep string) (*array.Array, error) {
			return v.FamilyArray(family, dep)
		})
	}
	return nil, err
}

// materializeWhole lands the named array in the whole-loaded state. With no
// families materialized yet it is a single fetch; otherwise the missing
// families are fetched and the whole is composed locally, which costs no
// transport once every family is present.
func (v *View) materializeWhole(name string) (*array.Array, error) {
	va := v.ensure(name)
	if va.whole != nil {
		return va.whole, nil
	}
	sharedWhole := v.mode.shared() && v.indices == nil

	if len(va.families) == 0 {
		f, err := v.conn.fetchArray(v.newRequest(name, "", sharedWhole))
		if err != nil {
			return nil, err
		}
		va.whole, va.live = f.arr, f.live()
		if f.live() {
			va.handle = f.handle
		}
		return va.whole, nil
	}

	for _, fam := range v.families {
		if va.families[fam.Tag] != nil {
			continue
		}
		if err := v.fetchFamily(name, va, fam); err != nil {
			return nil, err
		}
	}
	if sharedWhole && va.handle != nil {
		whole, err := v.composeLive(va)
		if err != nil {
			return nil, err
		}
		va.whole, va.live = whole, true
		return va.whole, nil
	}
	parts := make([]*array.Array, 0, len(v.families))
	for _, fam := range v.families {
		parts = append(parts, va.families[fam.Tag])
	}
	whole, err := array.Concat(parts...)
	if err != nil {
		return nil, err
	}
	va.whole = whole
	return va.whole, nil
}

// fetchFamily materializes one family's rows. Shared deliveries are cloned
// before they are exposed: pre-promotion family arrays are local copies by
// contract, while the handle is kept so promotion can still compose the
// live whole from the segment.
func (v *View) fetchFamily(name string, va *viewArray, fam dataset.Family) error {
	shared := v.mode.shared() && v.indices == nil
	f, err := v.conn.fetchArray(v.newRequest(name, fam.Tag, shared))
	if err != nil {
		return err
	}
	a := f.arr
	if f.live() {
		va.handle = f.handle
		a = a.Clone()
	}
	va.families[fam.Tag] = a
	return nil
}

func (v *View) newRequest(name, family string, shared bool) *RequestArray {
	return &RequestArray{
		Loader:     v.conn.loader,
		Path:       v.conn.path,
		Sel:        dataset.WireSelection{Selection: v.sel},
		Name:       name,
		Family:     family,
		Shared:     shared,
		Persistent: shared && v.mode == ModeSharedPersistent,
	}
}

// composeLive builds the whole-snapshot live view over the union segment
// the family handles came from. The segment is already mapped in the
// connection's pool; no transport happens here.
func (v *View) composeLive(va *viewArray) (*array.Array, error) {
	seg := v.conn.segs[va.handle.Name]
	if seg == nil {
		return nil, errors.Newf(errors.ErrTransfer, "segment %q is no longer mapped", va.handle.Name)
	}
	shape := append([]int{v.total()}, va.handle.Shape[1:]...)
	strides := array.ContiguousStrides(va.handle.DType, shape)
	return array.NewOver(seg.Data(), va.handle.DType, shape, strides, 0)
}

// familyRun returns fam's row range within the view's whole-array rows.
// Selection rows are ascending, so each family occupies one contiguous run.
func (v *View) familyRun(fam dataset.Family) (lo, hi int) {
	if v.perFam == nil {
		return fam.Start, fam.End
	}
	for _, f := range v.families {
		if f.Tag == fam.Tag {
			break
		}
		lo += len(v.perFam[f.Tag])
	}
	return lo, lo + len(v.perFam[fam.Tag])
}
