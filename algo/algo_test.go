// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package algo

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/dnnalgo/backends/device"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArgs struct {
	Depthwise bool
	Size      int
}

func (a *fakeArgs) Key() string    { return fmt.Sprintf("dw=%v,size=%d", a.Depthwise, a.Size) }
func (a *fakeArgs) String() string { return a.Key() }

type fakeExecArgs struct {
	*fakeArgs
	Workspace Workspace
}

type fakeAlgo struct {
	name          string
	attr          Attribute
	typ           uint32
	noDepthwise   bool
	workspace     uint64
	tuneCount     *atomic.Int32
	tuneErr       error
	executedCount atomic.Int32
}

func (a *fakeAlgo) Name() string         { return a.name }
func (a *fakeAlgo) Attribute() Attribute { return a.attr }
func (a *fakeAlgo) Desc() Desc           { return Desc{Handle: device.CPU, Type: a.typ} }
func (a *fakeAlgo) IsAvailable(args *fakeArgs) bool {
	return !(a.noDepthwise && args.Depthwise)
}
func (a *fakeAlgo) WorkspaceInBytes(args *fakeArgs) uint64 { return a.workspace * uint64(args.Size) }
func (a *fakeAlgo) Exec(args *fakeExecArgs) error {
	CheckAvailable("fake", Algorithm[*fakeArgs, *fakeExecArgs](a), args.fakeArgs)
	CheckWorkspace("fake", Algorithm[*fakeArgs, *fakeExecArgs](a), args.fakeArgs, args.Workspace)
	a.executedCount.Add(1)
	return nil
}

// tunedAlgo is a fakeAlgo that implements Tuner.
type tunedAlgo struct {
	*fakeAlgo
}

func (a tunedAlgo) Tune(args *fakeArgs) (any, error) {
	a.tuneCount.Add(1)
	if a.tuneErr != nil {
		return nil, a.tuneErr
	}
	return fmt.Sprintf("tuned-%d", args.Size), nil
}

type fakeAlgorithm = Algorithm[*fakeArgs, *fakeExecArgs]

func abcPack() (*Pack[*fakeArgs, *fakeExecArgs], []*fakeAlgo) {
	a := &fakeAlgo{name: "A", typ: 0, noDepthwise: true, attr: Reproducible}
	b := &fakeAlgo{name: "B", typ: 1, workspace: 1024, attr: Reproducible}
	c := &fakeAlgo{name: "C", typ: 2, workspace: 512, attr: Reproducible | Naive}
	return NewPack[*fakeArgs, *fakeExecArgs]("fake", a, b, c), []*fakeAlgo{a, b, c}
}

func TestSelectFirstAvailable(t *testing.T) {
	pack, algos := abcPack()
	args := &fakeArgs{Depthwise: true, Size: 1}

	// B is the first available: it wins even though C requires less workspace.
	for range 3 {
		got, err := Select("fake", pack.All(), args, DefaultConstraint())
		require.NoError(t, err)
		require.Equal(t, "B", got.Name())
		require.Same(t, algos[1], got.(*fakeAlgo))
	}

	// Not depthwise: A is available.
	got, err := Select("fake", pack.All(), &fakeArgs{Size: 1}, DefaultConstraint())
	require.NoError(t, err)
	require.Equal(t, "A", got.Name())

	// The workspace budget excludes B.
	constraint := DefaultConstraint()
	constraint.WorkspaceLimit = 600
	got, err = Select("fake", pack.All(), args, constraint)
	require.NoError(t, err)
	require.Equal(t, "C", got.Name())

	// Attributes.
	constraint = DefaultConstraint()
	constraint.Positive = Naive
	got, err = Select("fake", pack.All(), args, constraint)
	require.NoError(t, err)
	require.Equal(t, "C", got.Name())
	constraint = Constraint{Positive: Reproducible, Negative: Naive, WorkspaceLimit: 100}
	_, err = Select("fake", pack.All(), args, constraint)
	require.ErrorIs(t, err, ErrNoCandidate)
	require.Contains(t, err.Error(), "operator not implemented")
}

func TestPack(t *testing.T) {
	pack, algos := abcPack()
	require.Equal(t, "fake", pack.Operator())
	require.Equal(t, 3, pack.Len())
	names := func(list []fakeAlgorithm) (out []string) {
		for _, a := range list {
			out = append(out, a.Name())
		}
		return
	}
	require.Equal(t, []string{"A", "B", "C"}, names(pack.All()))
	require.Equal(t, []string{"C"}, names(pack.WithAttribute(Naive, Default)))
	require.Equal(t, []string{"A", "B"}, names(pack.WithAttribute(Reproducible, Naive)))
	require.Equal(t, []string{"B", "C"}, names(pack.Filter(func(a fakeAlgorithm) bool { return a.Desc().Type > 0 })))

	// Descriptors round-trip through their text form to the identical algorithm.
	for _, a := range algos {
		text, err := a.Desc().MarshalText()
		require.NoError(t, err)
		desc, err := ParseDesc(string(text))
		require.NoError(t, err)
		got, err := pack.Lookup(desc)
		require.NoError(t, err)
		require.Same(t, a, got.(*fakeAlgo))
	}
	_, err := pack.Lookup(Desc{Handle: device.CUDA, Type: 1})
	require.ErrorIs(t, err, ErrNotFound)
	got, err := pack.LookupName("C")
	require.NoError(t, err)
	require.Same(t, algos[2], got.(*fakeAlgo))
	_, err = pack.LookupName("D")
	require.ErrorIs(t, err, ErrNotFound)

	// Duplicates.
	require.Panics(t, func() { pack.Add(&fakeAlgo{name: "B2", typ: 1, attr: Reproducible}) })
	require.Panics(t, func() { pack.Add(&fakeAlgo{name: "B", typ: 7}) })
}

func TestCache(t *testing.T) {
	var tuneCount atomic.Int32
	tuned := tunedAlgo{&fakeAlgo{name: "TUNED", typ: 0, noDepthwise: true, attr: VendorLibrary, tuneCount: &tuneCount}}
	other := &fakeAlgo{name: "OTHER", typ: 1}
	pack := NewPack[*fakeArgs, *fakeExecArgs]("fake", tuned, other)
	cache := NewCache[*fakeArgs, *fakeExecArgs]("fake")

	const numGoroutines = 16
	entries := make([]*Entry[*fakeArgs, *fakeExecArgs], numGoroutines)
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := cache.Get(&fakeArgs{Size: 3}, pack.All(), DefaultConstraint())
			if err != nil {
				t.Errorf("cache.Get failed: %+v", err)
				return
			}
			entries[ii] = entry
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), tuneCount.Load(), "vendor tuning must run only once per signature")
	for _, entry := range entries {
		require.Same(t, entries[0], entry)
	}
	require.Equal(t, "TUNED", entries[0].Algorithm.Name())
	require.Equal(t, "tuned-3", entries[0].Tuning)
	require.Equal(t, 1, cache.Len())

	// Non-tuner algorithms have no tuning handle.
	entry, err := cache.Get(&fakeArgs{Depthwise: true, Size: 3}, pack.All(), DefaultConstraint())
	require.NoError(t, err)
	require.Equal(t, "OTHER", entry.Algorithm.Name())
	require.Nil(t, entry.Tuning)
	require.Equal(t, int32(1), tuneCount.Load())

	// Constraint is part of the signature.
	entry, err = cache.Get(&fakeArgs{Size: 3}, pack.All(), Constraint{Negative: VendorLibrary, WorkspaceLimit: math.MaxUint64})
	require.NoError(t, err)
	require.Equal(t, "OTHER", entry.Algorithm.Name())
	require.Equal(t, 3, cache.Len())

	// Failures are not cached.
	_, err = cache.Get(&fakeArgs{Depthwise: true}, pack.All(), Constraint{Positive: Naive})
	require.ErrorIs(t, err, ErrNoCandidate)
	require.Equal(t, 3, cache.Len())
	tuned.tuneErr = errors.New("tuning failed")
	_, err = cache.Get(&fakeArgs{Size: 5}, pack.All(), DefaultConstraint())
	require.ErrorContains(t, err, "tuning failed")
	require.Equal(t, 3, cache.Len())

	cache.Clear()
	require.Equal(t, 0, cache.Len())

	// The candidates are part of the signature: a subset of the pack doesn't share the whole pack's entry.
	tuned.tuneErr = nil
	nonVendor := pack.Filter(func(a Algorithm[*fakeArgs, *fakeExecArgs]) bool {
		return !a.Attribute().Contains(VendorLibrary)
	})
	entry, err = cache.Get(&fakeArgs{Size: 3}, nonVendor, DefaultConstraint())
	require.NoError(t, err)
	require.Equal(t, "OTHER", entry.Algorithm.Name())
	entry, err = cache.Get(&fakeArgs{Size: 3}, pack.All(), DefaultConstraint())
	require.NoError(t, err)
	require.Equal(t, "TUNED", entry.Algorithm.Name())
	entry, err = cache.Get(&fakeArgs{Size: 3}, nonVendor, DefaultConstraint())
	require.NoError(t, err)
	require.Equal(t, "OTHER", entry.Algorithm.Name())
	require.Equal(t, 2, cache.Len())

	// Pinning OTHER selects among the same single candidate.
	pinned := other.Desc()
	entry, err = cache.Choose(pack, &fakeArgs{Size: 3}, DefaultConstraint(), &pinned)
	require.NoError(t, err)
	require.Equal(t, "OTHER", entry.Algorithm.Name())
	entry, err = cache.Choose(pack, &fakeArgs{Size: 3}, DefaultConstraint(), nil)
	require.NoError(t, err)
	require.Equal(t, "TUNED", entry.Algorithm.Name())
}

func TestCheckWorkspace(t *testing.T) {
	pack, _ := abcPack()
	b, err := pack.LookupName("B")
	require.NoError(t, err)
	args := &fakeArgs{Size: 2}
	required := b.WorkspaceInBytes(args)
	require.Equal(t, uint64(2048), required)

	err = exceptions.TryCatch[error](func() {
		_ = b.Exec(&fakeExecArgs{fakeArgs: args, Workspace: NewWorkspace(required - 1)})
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "fake algo B: required workspace 2048 bytes, got 2047")

	// Exactly the reported size works.
	require.NoError(t, b.Exec(&fakeExecArgs{fakeArgs: args, Workspace: NewWorkspace(required)}))

	// Unavailable.
	a, _ := pack.LookupName("A")
	err = exceptions.TryCatch[error](func() {
		_ = a.Exec(&fakeExecArgs{fakeArgs: &fakeArgs{Depthwise: true}})
	})
	require.ErrorContains(t, err, "not available")
}

func TestDesc(t *testing.T) {
	desc := Desc{Handle: device.ROCm, Type: 3, Param: EncodeParam(128, 64, 8, 2)}
	text, err := desc.MarshalText()
	require.NoError(t, err)
	var got Desc
	require.NoError(t, got.UnmarshalText(text))
	require.Equal(t, desc, got)
	values, err := DecodeParam(got.Param)
	require.NoError(t, err)
	require.Equal(t, []uint32{128, 64, 8, 2}, values)

	for _, bad := range []string{"cpu", "tpu:1:", "cpu:x:", "cpu:1:!!"} {
		_, err := ParseDesc(bad)
		assert.Error(t, err, "ParseDesc(%q)", bad)
	}
	_, err = DecodeParam("abc")
	require.Error(t, err)
	empty, err := ParseDesc("cuda:0:")
	require.NoError(t, err)
	require.Equal(t, Desc{Handle: device.CUDA}, empty)
}

func TestAttribute(t *testing.T) {
	attr := Reproducible | VendorLibrary
	assert.Equal(t, "REPRODUCIBLE|VENDOR_LIBRARY", attr.String())
	assert.Equal(t, "DEFAULT", Default.String())
	assert.True(t, attr.Contains(Reproducible))
	assert.True(t, attr.Contains(Default))
	assert.False(t, attr.Contains(Reproducible|Naive))
	assert.True(t, attr.Intersects(Reproducible|Naive))
	parsed, err := ParseAttribute("reproducible, vendor_library")
	require.NoError(t, err)
	assert.Equal(t, attr, parsed)
	parsed, err = ParseAttribute(attr.String())
	require.NoError(t, err)
	assert.Equal(t, attr, parsed)
	_, err = ParseAttribute("fast")
	assert.Error(t, err)
}

func TestWorkspace(t *testing.T) {
	ws := NewWorkspace(13)
	require.Equal(t, uint64(13), ws.Size())
	require.Zero(t, NewWorkspace(0).Size())

	bundle := NewBundle(10, 100, 0, 8)
	require.Equal(t, 4, bundle.NumChunks())
	require.Equal(t, uint64(64+128+0+64), bundle.TotalSize())
	ws = NewWorkspace(bundle.TotalSize())
	for ii := range bundle.NumChunks() {
		chunk := bundle.Chunk(ws, ii)
		require.Len(t, chunk, int(bundle.sizes[ii]))
	}
	floats := AsSlice[float32](bundle.Chunk(ws, 1), 25)
	require.Len(t, floats, 25)
	floats[24] = 1
	require.NotZero(t, bundle.Chunk(ws, 1)[99])
	require.Panics(t, func() { _ = AsSlice[float32](bundle.Chunk(ws, 1), 26) })
	require.Panics(t, func() { _ = bundle.Chunk(NewWorkspace(10), 0) })
	require.Nil(t, AsSlice[int32](nil, 0))
}
