package addrspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvm/bundle"
	"uvm/defs"
	"uvm/mapping"
	"uvm/mem"
	"uvm/ptable"
	"uvm/view"
	"uvm/workq"
)

func newTestSpace(t *testing.T, userLen int64) (*Space, *mem.Fake) {
	t.Helper()
	alloc := mem.NewFake()
	pt := ptable.NewFake()
	q := workq.New(4)
	return New(0x1000, userLen, pt, alloc, alloc, q, nil), alloc
}

func anonView(alloc *mem.Fake, length int64) *view.Exterior {
	b := bundle.NewAllocated(alloc, length, mem.PGSIZE, mem.PGSIZE, nil)
	return view.NewExterior(b, 0, length)
}

// TestBestFitMapScenario mirrors spec.md §8 scenario S1: user range
// [0x1000, 0x10000), map [0x2000,0x3000) and [0x5000,0x6000), then a
// best-fit map of 0x2000 bytes should land at 0x3000.
func TestBestFitMapScenario(t *testing.T) {
	s, alloc := newTestSpace(t, 0xf000)

	a1, err := s.Map(MapRequest{Policy: Fixed, AddressHint: 0x2000, View: anonView(alloc, 0x1000), Length: 0x1000, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)
	assert.Equal(t, uintptr(0x2000), a1)

	a2, err := s.Map(MapRequest{Policy: Fixed, AddressHint: 0x5000, View: anonView(alloc, 0x1000), Length: 0x1000, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)
	assert.Equal(t, uintptr(0x5000), a2)

	actual, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x2000), Length: 0x2000, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)
	assert.Equal(t, uintptr(0x3000), actual)
}

func TestMapOutOfMemory(t *testing.T) {
	s, alloc := newTestSpace(t, 0x1000)
	_, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x2000), Length: 0x2000, Flags: mapping.Flags{Read: true}})
	assert.Equal(t, defs.ENOMEM, err)
}

func TestHandleFaultPopulatesPage(t *testing.T) {
	s, alloc := newTestSpace(t, 0x4000)
	actual, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x1000), Length: 0x1000, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)

	err = s.HandleFault(actual, false)
	assert.Equal(t, defs.Success, err)
}

func TestUnmapFullMapping(t *testing.T) {
	s, alloc := newTestSpace(t, 0x4000)
	actual, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x1000), Length: 0x1000, Flags: mapping.Flags{Read: true, Write: true}, Populate: true})
	require.Equal(t, defs.Success, err)

	err = s.Unmap(actual, 0x1000)
	require.Equal(t, defs.Success, err)

	actual2, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x4000), Length: 0x4000, Flags: mapping.Flags{Read: true}})
	require.Equal(t, defs.Success, err)
	assert.Equal(t, s.userBase, actual2)
}

func TestUnmapPartialSplitsMapping(t *testing.T) {
	s, alloc := newTestSpace(t, 0x4000)
	actual, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x3000), Length: 0x3000, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)

	err = s.Unmap(actual+0x1000, 0x1000)
	require.Equal(t, defs.Success, err)

	assert.Equal(t, 2, s.mappings.Len())
	err = s.HandleFault(actual, false)
	assert.Equal(t, defs.Success, err)
	err = s.HandleFault(actual+0x2000, false)
	assert.Equal(t, defs.Success, err)
	err = s.HandleFault(actual+0x1000, false)
	assert.Equal(t, defs.EFAULT, err)
}

// TestForkCowIsolation mirrors spec.md §8 testable property 7: a write in
// either space after a copyOnWrite fork changes only that side's page.
func TestForkCowIsolation(t *testing.T) {
	s, alloc := newTestSpace(t, 0x4000)
	actual, err := s.Map(MapRequest{Policy: BestFitBottom, View: anonView(alloc, 0x1000), Length: 0x1000, Flags: mapping.Flags{Read: true, Write: true, Fork: mapping.CopyOnWrite}})
	require.Equal(t, defs.Success, err)
	require.Equal(t, defs.Success, s.HandleFault(actual, true))

	child, err := s.Fork()
	require.Equal(t, defs.Success, err)

	require.Equal(t, defs.Success, s.HandleFault(actual, true))
	require.Equal(t, defs.Success, child.HandleFault(actual, true))

	srcPhys, _, ok := s.Translate(actual)
	require.True(t, ok)
	dstPhys, _, ok := child.Translate(actual)
	require.True(t, ok)
	assert.NotEqual(t, srcPhys, dstPhys)
}

func TestFutexWaitWake(t *testing.T) {
	s, _ := newTestSpace(t, 0x1000)
	done := make(chan defs.Err_t, 1)
	go func() { done <- s.FutexWait(0x1000, nil) }()

	for s.FutexWake(0x1000, 1) == 0 {
	}
	assert.Equal(t, defs.Success, <-done)
}
