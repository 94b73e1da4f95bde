// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haloscope/snapserve/array"
	"github.com/haloscope/snapserve/dataset"
	"github.com/haloscope/snapserve/errors"
	"github.com/haloscope/snapserve/shm"
	"github.com/haloscope/snapserve/synthload"
	"github.com/haloscope/snapserve/transport"
)

// localRef loads the same synthetic snapshot in-process. The generator is
// path-seeded, so this is ground truth for what the server holds.
func localRef(t *testing.T, path string) *dataset.Dataset {
	t.Helper()
	ds, err := synthload.New(path).Load(path)
	require.NoError(t, err)
	return ds
}

func mustArray(t *testing.T, ds *dataset.Dataset, name string) *array.Array {
	t.Helper()
	a, err := ds.Array(name)
	require.NoError(t, err)
	return a
}

// localGather is ds.Array(name) restricted to sel's rows, always a fresh
// copy.
func localGather(t *testing.T, ds *dataset.Dataset, sel dataset.Selection, name string) *array.Array {
	t.Helper()
	idx, err := ds.Select(sel)
	require.NoError(t, err)
	return mustArray(t, ds, name).Gather(idx)
}

// localFamilyGather is localGather narrowed to one family's rows.
func localFamilyGather(t *testing.T, ds *dataset.Dataset, sel dataset.Selection, family, name string) *array.Array {
	t.Helper()
	idx, err := ds.Select(sel)
	require.NoError(t, err)
	per, err := dataset.SplitIndices(ds.Families(), idx)
	require.NoError(t, err)
	return mustArray(t, ds, name).Gather(per[family])
}

func TestView_ServerMatchesLocalLoad(t *testing.T) {
	const path = "snap/compare"
	local := localRef(t, path)

	sels := []struct {
		name string
		sel  dataset.Selection
	}{
		{"all", dataset.All{}},
		{"sphere", dataset.Sphere{Radius: 3}},
		{"object", dataset.ObjectSpec{FinderID: 1, FinderOffset: 1}},
	}
	modes := []struct {
		name string
		mode Mode
	}{
		{"value", ModeValue},
		{"shared", ModeShared},
	}

	for _, sc := range sels {
		for _, mc := range modes {
			t.Run(sc.name+"/"+mc.name, func(t *testing.T) {
				rehomeShm(t)
				srv := synthServer(t, path)
				serveWith(t, 2, srv, func(x *transport.Local) {
					conn, err := Open(x, 0, synthload.LoaderName, path)
					require.NoError(t, err)
					v, err := conn.View(sc.sel, mc.mode)
					require.NoError(t, err)

					wantIdx, err := local.Select(sc.sel)
					require.NoError(t, err)
					assert.Empty(t, cmp.Diff(wantIdx, v.Indices()))
					assert.Equal(t, len(wantIdx), v.Len())

					per, err := dataset.SplitIndices(local.Families(), wantIdx)
					require.NoError(t, err)
					for _, fam := range local.Families() {
						n, err := v.FamilyLen(fam.Tag)
						require.NoError(t, err)
						assert.Equal(t, len(per[fam.Tag]), n, fam.Tag)
					}

					for _, name := range []string{"iord", "mass", "pos"} {
						got, err := v.Array(name)
						require.NoError(t, err, name)
						want := mustArray(t, local, name).Gather(wantIdx)
						assert.True(t, want.Equal(got), "array %q differs from a local load", name)
					}

					// Only an unfiltered shared view gets the live form;
					// everything else is served by value.
					_, all := sc.sel.(dataset.All)
					assert.Equal(t, all && mc.mode == ModeShared, v.arrays["pos"].live)

					got, err := v.FamilyArray("gas", "pos")
					require.NoError(t, err)
					want := localFamilyGather(t, local, sc.sel, "gas", "pos")
					assert.True(t, want.Equal(got), "gas rows of pos differ from a local load")

					require.NoError(t, v.Release())
				})
			})
		}
	}
}

func TestView_DerivedComputesClientSide(t *testing.T) {
	const path = "snap/derived"
	rehomeShm(t)
	local := localRef(t, path)
	sel := dataset.Sphere{Radius: 5}
	srv := synthServer(t, path)

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)
		v, err := conn.View(sel, ModeValue)
		require.NoError(t, err)

		// Shift the view's own pos copy. "r" must derive from the shifted
		// copy, not from a refetch.
		pos, err := v.Array("pos")
		require.NoError(t, err)
		for i := 0; i < pos.Len(); i++ {
			pos.SetFloat64At(i, 0, pos.Float64At(i, 0)+5)
		}

		r, err := v.Array("r")
		require.NoError(t, err)

		shifted := localGather(t, local, sel, "pos")
		for i := 0; i < shifted.Len(); i++ {
			shifted.SetFloat64At(i, 0, shifted.Float64At(i, 0)+5)
		}
		assert.True(t, array.Norms(shifted).Equal(r), "r must be computed from the view's pos")

		// The server never saw the shift.
		v2, err := conn.View(sel, ModeValue)
		require.NoError(t, err)
		pristine, err := v2.Array("pos")
		require.NoError(t, err)
		assert.True(t, localGather(t, local, sel, "pos").Equal(pristine))

		require.NoError(t, conn.Close())
	})
}

// countingExchange counts payload traffic so tests can assert an operation
// moved no frames.
type countingExchange struct {
	*transport.Local
	calls int
}

func (c *countingExchange) Send(payload []byte, dest int) error {
	c.calls++
	return c.Local.Send(payload, dest)
}

func (c *countingExchange) Receive(src int) ([]byte, error) {
	c.calls++
	return c.Local.Receive(src)
}

func TestView_PromotionComposesWithoutTransport(t *testing.T) {
	const path = "snap/promote"
	local := localRef(t, path)

	for _, mc := range []struct {
		name string
		mode Mode
	}{
		{"value", ModeValue},
		{"shared", ModeShared},
	} {
		t.Run(mc.name, func(t *testing.T) {
			rehomeShm(t)
			srv := synthServer(t, path)
			serveWith(t, 2, srv, func(x *transport.Local) {
				ce := &countingExchange{Local: x}
				conn, err := Open(ce, 0, synthload.LoaderName, path)
				require.NoError(t, err)
				v, err := conn.View(dataset.All{}, mc.mode)
				require.NoError(t, err)

				for _, fam := range v.Families() {
					_, err := v.FamilyArray(fam.Tag, "pos")
					require.NoError(t, err)
				}

				before := ce.calls
				whole, err := v.Array("pos")
				require.NoError(t, err)
				assert.Equal(t, before, ce.calls, "with every family present, promotion must not touch the wire")
				assert.True(t, mustArray(t, local, "pos").Equal(whole))

				require.NoError(t, conn.Close())
			})
		})
	}
}

func TestView_SharedWholeIsLiveAcrossRanks(t *testing.T) {
	const path = "snap/live"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)

	fetched := make(chan struct{})
	written := make(chan struct{})
	read := make(chan struct{})

	serveWith(t, 3, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)
		v, err := conn.View(dataset.All{}, ModeShared)
		require.NoError(t, err)

		switch x.Rank() {
		case 1:
			famCopy, err := v.FamilyArray("dm", "mass")
			require.NoError(t, err)
			before := famCopy.Float64At(11, 0)
			require.NotEqual(t, -42.5, before)

			whole, err := v.Array("mass")
			require.NoError(t, err)
			close(fetched)

			<-written
			assert.Equal(t, -42.5, whole.Float64At(11, 0), "the promoted whole is a window onto the union segment")
			assert.Equal(t, before, famCopy.Float64At(11, 0), "family arrays stay local copies")
			close(read)

		case 2:
			<-fetched
			whole, err := v.Array("mass")
			require.NoError(t, err)
			assert.True(t, mustArray(t, local, "mass").Equal(whole))
			whole.SetFloat64At(11, 0, -42.5)
			close(written)
			<-read
		}
		require.NoError(t, conn.Close())
	})
}

func TestView_ValueArraysAreLocalCopies(t *testing.T) {
	const path = "snap/copies"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)

		v1, err := conn.View(dataset.All{}, ModeValue)
		require.NoError(t, err)
		a, err := v1.Array("mass")
		require.NoError(t, err)
		a.SetFloat64At(0, 0, 12345)

		v2, err := conn.View(dataset.All{}, ModeValue)
		require.NoError(t, err)
		b, err := v2.Array("mass")
		require.NoError(t, err)
		assert.NotEqual(t, 12345.0, b.Float64At(0, 0), "each view owns its copy")
		assert.True(t, mustArray(t, local, "mass").Equal(b))

		require.NoError(t, conn.Close())
	})
}

func TestServer_FilteredSharedFallsBackToValues(t *testing.T) {
	const path = "snap/fallback"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)
	sel := dataset.Sphere{Radius: 4}

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)

		req := &RequestArray{
			Loader: synthload.LoaderName,
			Path:   path,
			Sel:    dataset.WireSelection{Selection: sel},
			Name:   "mass",
			Shared: true,
		}
		require.NoError(t, send(x, req, 0))
		ack, err := expect[*ReturnArray](x, 0)
		require.NoError(t, err)
		require.NoError(t, errFromWire(ack.Err))
		assert.False(t, ack.Shared, "a filtered request cannot be served from the union segment")

		got, err := ReceiveArray(x, 0)
		require.NoError(t, err)
		assert.True(t, localGather(t, local, sel, "mass").Equal(got))

		require.NoError(t, conn.Close())
	})
}

// awaitRelease blocks until the server has processed every frame this rank
// sent so far, by asking about the snapshot and expecting it gone.
func awaitRelease(t *testing.T, x transport.Exchange, path string) {
	t.Helper()
	req := &RequestViewMeta{
		Loader: synthload.LoaderName,
		Path:   path,
		Sel:    dataset.WireSelection{Selection: dataset.All{}},
	}
	require.NoError(t, send(x, req, 0))
	resp, err := expect[*ReturnViewMeta](x, 0)
	require.NoError(t, err)
	err = errFromWire(resp.Err)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestView_PersistentSegmentsOutliveRelease(t *testing.T) {
	const path = "snap/persist"
	rehomeShm(t)
	local := localRef(t, path)

	t.Run("persistent", func(t *testing.T) {
		srv := synthServer(t, path)
		serveWith(t, 2, srv, func(x *transport.Local) {
			conn, err := Open(x, 0, synthload.LoaderName, path)
			require.NoError(t, err)
			v, err := conn.View(dataset.All{}, ModeSharedPersistent)
			require.NoError(t, err)

			whole, err := v.Array("mass")
			require.NoError(t, err)
			whole.SetFloat64At(3, 0, 77.25)
			segName := v.arrays["mass"].handle.Name

			require.NoError(t, conn.Close())
			awaitRelease(t, x, path)

			seg, err := shm.Open(segName)
			require.NoError(t, err, "a persistent segment must survive the release")
			defer func() {
				assert.NoError(t, seg.Close())
				assert.NoError(t, seg.Unlink())
			}()

			shape := []int{local.Len()}
			arr, err := array.NewOver(seg.Data(), array.Float64, shape, array.ContiguousStrides(array.Float64, shape), 0)
			require.NoError(t, err)
			assert.Equal(t, 77.25, arr.Float64At(3, 0), "writes made before the release persist")
		})
	})

	t.Run("transient", func(t *testing.T) {
		srv := synthServer(t, path)
		serveWith(t, 2, srv, func(x *transport.Local) {
			conn, err := Open(x, 0, synthload.LoaderName, path)
			require.NoError(t, err)
			v, err := conn.View(dataset.All{}, ModeShared)
			require.NoError(t, err)
			_, err = v.Array("mass")
			require.NoError(t, err)
			segName := v.arrays["mass"].handle.Name

			require.NoError(t, conn.Close())
			awaitRelease(t, x, path)

			_, err = shm.Open(segName)
			assert.Error(t, err, "a transient segment is unlinked with its snapshot")
		})
	})
}

func TestView_ComponentsResolveToBaseColumns(t *testing.T) {
	const path = "snap/components"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)
		v, err := conn.View(dataset.All{}, ModeValue)
		require.NoError(t, err)

		vx, err := v.Array("vx")
		require.NoError(t, err)
		assert.True(t, mustArray(t, local, "vel").Column(0).Equal(vx))
		require.NotNil(t, v.arrays["vel"], "components materialize their base array")
		assert.NotNil(t, v.arrays["vel"].whole)

		gx, err := v.FamilyArray("gas", "x")
		require.NoError(t, err)
		want := localFamilyGather(t, local, dataset.All{}, "gas", "pos").Column(0)
		assert.True(t, want.Equal(gx))

		require.NoError(t, conn.Close())
	})
}

func TestView_FamilyLocalArrays(t *testing.T) {
	const path = "snap/famlocal"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)
		v, err := conn.View(dataset.All{}, ModeShared)
		require.NoError(t, err)

		temp, err := v.FamilyArray("gas", "temp")
		require.NoError(t, err)
		want, err := local.FamilyArray("gas", "temp")
		require.NoError(t, err)
		assert.True(t, want.Equal(temp))
		assert.Nil(t, v.arrays["temp"].handle, "family-local arrays travel by value even in shared mode")

		_, err = v.Array("temp")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrArrayNotFound), "got %v", err)

		_, err = v.FamilyArray("dm", "temp")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrArrayNotFound), "got %v", err)

		_, err = v.FamilyArray("nebula", "temp")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrFamilyNotFound), "got %v", err)

		require.NoError(t, conn.Close())
	})
}

func TestConnection_ProtocolErrorPoisons(t *testing.T) {
	err := transport.RunLocal(2, func(x *transport.Local) error {
		if x.Rank() == 0 {
			// Scripted peer: a valid load confirmation, then a
			// non-sequitur answer to the first view request.
			if _, err := expect[*RequestLoadSnapshot](x, 1); err != nil {
				return err
			}
			if err := send(x, &ConfirmLoadSnapshot{Kind: "scripted"}, 1); err != nil {
				return err
			}
			if _, _, err := x.ReceiveAny(); err != nil {
				return err
			}
			return send(x, &ReturnCatalogue{}, 1)
		}

		conn, err := Open(x, 0, "scripted", "any")
		require.NoError(t, err)

		_, err = conn.View(dataset.All{}, ModeValue)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrProtocol), "got %v", err)

		_, err = conn.View(dataset.All{}, ModeValue)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConnClosed), "a poisoned connection refuses traffic; got %v", err)

		assert.NoError(t, conn.Close(), "closing a poisoned connection is quiet")
		return nil
	})
	require.NoError(t, err)
}

func TestConnection_CatalogueMatchesLocal(t *testing.T) {
	const path = "snap/cat"
	rehomeShm(t)
	local := localRef(t, path)
	srv := synthServer(t, path)

	serveWith(t, 2, srv, func(x *transport.Local) {
		conn, err := Open(x, 0, synthload.LoaderName, path)
		require.NoError(t, err)

		cat, err := conn.Catalogue(dataset.DefaultTypeTag)
		require.NoError(t, err)
		wantIDs, err := local.CatalogueIDs(dataset.DefaultTypeTag)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(wantIDs, cat.IDs()))

		idx := make([]int64, len(wantIDs))
		for i := range idx {
			idx[i] = int64(i)
		}
		want := NewCatalogue(wantIDs)
		assert.Equal(t, want.Object(1, idx), cat.Object(1, idx))
		assert.NotEmpty(t, cat.Object(1, idx), "object 1 always has members")

		_, err = conn.Catalogue("nebula")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)

		require.NoError(t, conn.Close())
	})
}
